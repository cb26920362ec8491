// Package metrics содержит счётчики Prometheus для операций с купонами.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder регистрирует исходы операций. Нулевой указатель допустим и ничего не делает.
type Recorder struct {
	issued        *prometheus.CounterVec
	validations   *prometheus.CounterVec
	redemptions   *prometheus.CounterVec
	cancellations *prometheus.CounterVec
}

// NewRecorder создаёт счётчики и регистрирует их в reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coupon_issued_total",
			Help: "Coupon issuance attempts by result.",
		}, []string{"result"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coupon_validations_total",
			Help: "Advisory coupon validations by result.",
		}, []string{"result"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coupon_redemptions_total",
			Help: "Coupon redemption attempts by result.",
		}, []string{"result"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coupon_cancellations_total",
			Help: "Coupon usage cancellations by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(r.issued, r.validations, r.redemptions, r.cancellations)
	return r
}

// Issued учитывает попытку выдачи.
func (r *Recorder) Issued(result string) {
	if r == nil {
		return
	}
	r.issued.WithLabelValues(result).Inc()
}

// Validated учитывает консультативную проверку.
func (r *Recorder) Validated(result string) {
	if r == nil {
		return
	}
	r.validations.WithLabelValues(result).Inc()
}

// Redeemed учитывает попытку погашения.
func (r *Recorder) Redeemed(result string) {
	if r == nil {
		return
	}
	r.redemptions.WithLabelValues(result).Inc()
}

// Cancelled учитывает отмену погашения.
func (r *Recorder) Cancelled(result string) {
	if r == nil {
		return
	}
	r.cancellations.WithLabelValues(result).Inc()
}
