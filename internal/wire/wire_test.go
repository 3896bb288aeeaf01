package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
)

func sample() domain.ViolationReport {
	return domain.NewReport("s-7", domain.Detection{
		Kind:       domain.KindPhoneDetected,
		Confidence: 0.61,
		BBox:       &domain.BBox{X: 10, Y: 20, Width: 30, Height: 40},
		Detail:     "phone in hand",
	}, time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC))
}

func TestEncodeDecode_BothFormats(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatProtobuf} {
		t.Run(string(f), func(t *testing.T) {
			body, ct, err := EncodeReport(f, sample())
			if err != nil {
				t.Fatalf("EncodeReport: %v", err)
			}
			if (f == FormatProtobuf) != IsProtobuf(ct) {
				t.Fatalf("content type %q does not match format %s", ct, f)
			}

			got, err := DecodeReport(ct, bytes.NewReader(body))
			if err != nil {
				t.Fatalf("DecodeReport: %v", err)
			}
			if got.StudentID != "s-7" || got.Kind != domain.KindPhoneDetected || got.Details != "phone in hand" {
				t.Errorf("unexpected report: %+v", got)
			}
			if got.Confidence == nil || *got.Confidence != 0.61 {
				t.Errorf("confidence lost: %v", got.Confidence)
			}
			if got.BBox == nil || got.BBox.Height != 40 {
				t.Errorf("bbox lost: %+v", got.BBox)
			}
			if _, err := got.Validate(); err != nil {
				t.Errorf("decoded report invalid: %v", err)
			}
		})
	}
}

func TestDecodeReport_Rejects(t *testing.T) {
	if _, err := DecodeReport(ContentTypeJSON, strings.NewReader(`{"student_id":"a","extra":1}`)); err == nil {
		t.Error("expected unknown field to be rejected")
	}
	if _, err := DecodeReport(ContentTypeProtobuf, strings.NewReader("\xff\xff\xff")); err == nil {
		t.Error("expected garbage protobuf to be rejected")
	}
	big := strings.Repeat("x", MaxBodySize+10)
	if _, err := DecodeReport(ContentTypeJSON, strings.NewReader(big)); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatJSON, "JSON": FormatJSON, "proto": FormatProtobuf, "protobuf": FormatProtobuf} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestIsProtobuf_WithParams(t *testing.T) {
	if !IsProtobuf("application/x-protobuf; charset=binary") {
		t.Error("expected parameters to be ignored")
	}
	if IsProtobuf("application/json") {
		t.Error("json is not protobuf")
	}
}
