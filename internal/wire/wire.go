// Package wire encodes violation reports for transport between agent and server.
//
// Two encodings are supported: JSON (default) and protobuf, where the report
// travels as a google.protobuf.Struct carrying the same field names.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/ashureev/classwatch/internal/domain"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// MaxBodySize caps a single encoded report.
const MaxBodySize = 64 << 10

// ErrBodyTooLarge is returned when a body exceeds the size cap.
var ErrBodyTooLarge = errors.New("request body too large")

// Format selects an encoding.
type Format string

const (
	FormatJSON     Format = "json"
	FormatProtobuf Format = "protobuf"
)

// ParseFormat accepts "json" or "protobuf" (case-insensitive, "proto" too).
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "protobuf", "proto":
		return FormatProtobuf, nil
	default:
		return "", fmt.Errorf("unknown wire format %q", s)
	}
}

// IsProtobuf reports whether a Content-Type header names a protobuf payload.
func IsProtobuf(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == ContentTypeProtobuf || mt == "application/protobuf" || mt == "application/octet-stream"
}

// EncodeReport serialises r and returns the body with its content type.
func EncodeReport(f Format, r domain.ViolationReport) ([]byte, string, error) {
	if f != FormatProtobuf {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, "", fmt.Errorf("encode report: %w", err)
		}
		return data, ContentTypeJSON, nil
	}

	st, err := reportToStruct(r)
	if err != nil {
		return nil, "", err
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, "", fmt.Errorf("encode report: %w", err)
	}
	return data, ContentTypeProtobuf, nil
}

// DecodeReport reads one report from body according to contentType.
// Unknown JSON fields are rejected.
func DecodeReport(contentType string, body io.Reader) (domain.ViolationReport, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxBodySize+1))
	if err != nil {
		return domain.ViolationReport{}, fmt.Errorf("read body: %w", err)
	}
	if len(data) > MaxBodySize {
		return domain.ViolationReport{}, ErrBodyTooLarge
	}

	if IsProtobuf(contentType) {
		var st structpb.Struct
		if err := proto.Unmarshal(data, &st); err != nil {
			return domain.ViolationReport{}, fmt.Errorf("decode protobuf report: %w", err)
		}
		// Route through JSON so both encodings share one field mapping.
		if data, err = json.Marshal(st.AsMap()); err != nil {
			return domain.ViolationReport{}, fmt.Errorf("decode protobuf report: %w", err)
		}
	}

	var r domain.ViolationReport
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return domain.ViolationReport{}, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}

func reportToStruct(r domain.ViolationReport) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"student_id":  r.StudentID,
		"kind":        string(r.Kind),
		"occurred_at": r.OccurredAt,
	}
	if r.Confidence != nil {
		fields["confidence"] = *r.Confidence
	}
	if r.Details != "" {
		fields["details"] = r.Details
	}
	if r.BBox != nil {
		fields["bbox"] = map[string]interface{}{
			"x":      r.BBox.X,
			"y":      r.BBox.Y,
			"width":  r.BBox.Width,
			"height": r.BBox.Height,
		}
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return st, nil
}
