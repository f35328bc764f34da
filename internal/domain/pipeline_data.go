package domain

import "time"

// Metadata carries routing and retry bookkeeping alongside a MarketData
// envelope as it traverses the pipeline.
type Metadata struct {
	Exchange    string
	Symbol      string
	DataType    DataType
	Priority    int
	RetryCount  int
	RoutingKeys []string
}

// PipelineData is the envelope carrying one MarketData through the
// pipeline's stages. It is created at pipeline entry and, while
// buffered, owned by the partition holding it.
type PipelineData struct {
	ID         string
	MarketData MarketData
	Metadata   Metadata
	Timestamp  time.Time // ingress time
	Source     string
	Attributes map[string]string
}

// Clone returns a deep-enough copy for fan-out duplication: Attributes
// and RoutingKeys get their own backing arrays so per-destination copies
// can diverge without aliasing.
func (p PipelineData) Clone() PipelineData {
	cp := p
	cp.Attributes = make(map[string]string, len(p.Attributes))
	for k, v := range p.Attributes {
		cp.Attributes[k] = v
	}
	cp.Metadata.RoutingKeys = append([]string(nil), p.Metadata.RoutingKeys...)
	return cp
}
