package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnection = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailvault_connection_total",
			Help: "Incoming SMTP connections.",
		},
	)
	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailvault_delivery_total",
			Help: "Delivery outcomes: accepted, rejected or tempfail, with the layer that decided.",
		},
		[]string{"result", "reason"},
	)
)
