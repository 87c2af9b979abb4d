package signal

import "time"

// Metrics receives broker events. *monitoring.PrometheusCollector satisfies it.
type Metrics interface {
	ConnectionOpened(role string)
	ConnectionClosed(role string, lifetime time.Duration)
	ConnectionRejected(reason string)
	MessageRouted(msgType string)
	MessageDropped(msgType, reason string)
	SessionEnded(cause string)
	HandshakeFailed()
	ObserveDescriptorFetch(d time.Duration, err error)
	ObserveRegistry(pending, live, viewers int)
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened(string) {}
func (nopMetrics) ConnectionClosed(string, time.Duration) {}
func (nopMetrics) ConnectionRejected(string) {}
func (nopMetrics) MessageRouted(string) {}
func (nopMetrics) MessageDropped(string, string) {}
func (nopMetrics) SessionEnded(string) {}
func (nopMetrics) HandshakeFailed() {}
func (nopMetrics) ObserveDescriptorFetch(time.Duration, error) {}
func (nopMetrics) ObserveRegistry(int, int, int) {}
