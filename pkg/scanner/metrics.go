package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	detectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendscan",
		Name:      "detections_total",
		Help:      "number of raw detections by source and debouncer verdict",
	}, []string{"source", "verdict"})
	rawDecodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendscan",
		Name:      "raw_decodes_total",
		Help:      "number of payloads reported by decoding backends",
	}, []string{"backend"})
	streamsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lendscan",
		Name:      "camera_streams_open",
		Help:      "number of camera streams currently held",
	})
	streamAcquisitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lendscan",
		Name:      "camera_acquisitions_total",
		Help:      "number of camera streams opened",
	})
	cameraErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendscan",
		Name:      "camera_errors_total",
		Help:      "number of fatal session errors by cause",
	}, []string{"cause"})
)
