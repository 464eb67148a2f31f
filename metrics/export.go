package metrics

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/maximhq/connpool/schemas"
	"github.com/prometheus/common/expfmt"
)

// Export formats accepted by ExportMetrics.
const (
	ExportFormatJSON       = "json"
	ExportFormatPrometheus = "prometheus"
)

type exportedProvider struct {
	schemas.ProviderMetrics
	Insights     schemas.PerformanceInsights `json:"insights"`
	RecentEvents []schemas.ConnectionEvent   `json:"recent_events"`
}

type export struct {
	GeneratedAt time.Time                   `json:"generated_at"`
	Providers   map[string]exportedProvider `json:"providers"`
}

// ExportMetrics serialises every provider's metrics. "json" produces an
// indented document keyed by provider; "prometheus" renders the text exposition
// format of the collector's registry.
func (c *Collector) ExportMetrics(format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case ExportFormatJSON, "":
		doc := export{GeneratedAt: time.Now(), Providers: make(map[string]exportedProvider)}
		for _, provider := range c.Providers() {
			doc.Providers[provider] = exportedProvider{
				ProviderMetrics: c.GetMetrics(provider),
				Insights:        c.GetPerformanceInsights(provider),
				RecentEvents:    c.RecentEvents(provider, 50),
			}
		}
		return sonic.ConfigStd.MarshalIndent(doc, "", "  ")
	case ExportFormatPrometheus:
		families, err := c.gatherer.Gather()
		if err != nil {
			return nil, fmt.Errorf("failed to gather metrics: %w", err)
		}
		var buf bytes.Buffer
		encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, family := range families {
			if err := encoder.Encode(family); err != nil {
				return nil, fmt.Errorf("failed to encode metric family %s: %w", family.GetName(), err)
			}
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: %s", schemas.ErrUnsupportedExportFormat, format)
}
