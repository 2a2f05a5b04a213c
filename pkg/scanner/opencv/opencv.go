// Package opencv is the native decoding backend: OpenCV's QR detector through
// gocv. It needs the OpenCV libraries at build time and is only compiled with
// the opencv build tag; without it the backend reports itself unavailable and
// the scanner falls back to the next backend.
package opencv

// Name identifies the backend in configuration and snapshots
const Name = "opencv"

const formatQRCode = "qr_code"
