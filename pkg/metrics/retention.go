package metrics

import "github.com/prometheus/client_golang/prometheus"

// RemoveProvingCounters drops the proving-period series for one provider
// and reports how many series were removed. Zero is fine: it means the
// provider never had a series in this process.
func RemoveProvingCounters(providerID string) int {
	return ProvingPeriodsTotal.DeletePartialMatch(prometheus.Labels{"provider_id": providerID})
}
