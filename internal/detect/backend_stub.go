//go:build !gocv

package detect

func newFaceDetector(string) (Detector, error)  { return nil, ErrBackendUnavailable }
func newPhoneDetector(string) (Detector, error) { return nil, ErrBackendUnavailable }
