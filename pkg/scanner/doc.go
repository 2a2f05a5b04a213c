// Package scanner implements a camera barcode/QR scanning session: device
// enumeration, camera stream lifecycle, a pluggable decode loop, detection
// debouncing with a cool-down window, success feedback and torch control.
//
// Platform facilities (cameras, decoders, audio, haptics) are consumed through
// the interfaces in platform.go. Adapters live in the v4l2, zxing, opencv and
// audio subpackages.
//
// A Scanner owns at most one camera stream and one decode loop at a time.
// Every lifecycle request (start, stop, device switch) bumps a generation
// counter; asynchronous continuations re-check it before touching the session,
// so a late acquisition or a decode callback racing Stop is observed and
// discarded rather than acted upon.
package scanner
