package delivery

// ProviderStats aggregates records by provider.
type ProviderStats struct {
	Sent      int     `json:"sent"`
	Delivered int     `json:"delivered"`
	Failed    int     `json:"failed"`
	Cost      float64 `json:"cost"`
}

// Stats summarizes every record the tracker owns.
type Stats struct {
	Total      int                      `json:"total"`
	ByStatus   map[Status]int           `json:"by_status"`
	ByChannel  map[string]int           `json:"by_channel"`
	ByProvider map[string]ProviderStats `json:"by_provider"`
	TotalCost  float64                  `json:"total_cost"`
	// SuccessRate is the share of finished sends that the provider accepted.
	SuccessRate float64 `json:"success_rate"`
	// DeliveryRate is the share of accepted sends confirmed delivered.
	DeliveryRate float64 `json:"delivery_rate"`
	// AverageDeliveryMs averages sent-to-delivered time over the rolling window.
	AverageDeliveryMs float64 `json:"average_delivery_ms"`
	WindowSamples     int     `json:"window_samples"`
}

// Stats computes a snapshot of totals, rates and the rolling delivery time.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		Total:      len(t.records),
		ByStatus:   make(map[Status]int),
		ByChannel:  make(map[string]int),
		ByProvider: make(map[string]ProviderStats),
	}

	var accepted, finished, delivered int
	for _, rec := range t.records {
		s.ByStatus[rec.Status]++
		s.ByChannel[string(rec.Channel)]++
		s.TotalCost += rec.Cost

		wasSent := rec.SentAt != nil
		if wasSent {
			accepted++
		}
		if wasSent || rec.Status == StatusFailedFinal {
			finished++
		}
		if rec.Status == StatusDelivered {
			delivered++
		}

		if rec.Provider == "" {
			continue
		}
		ps := s.ByProvider[rec.Provider]
		switch {
		case rec.Status == StatusDelivered:
			ps.Delivered++
		case rec.Status == StatusFailedFinal:
			ps.Failed++
		case wasSent:
			ps.Sent++
		}
		ps.Cost += rec.Cost
		s.ByProvider[rec.Provider] = ps
	}

	if finished > 0 {
		s.SuccessRate = float64(accepted) / float64(finished)
	}
	if accepted > 0 {
		s.DeliveryRate = float64(delivered) / float64(accepted)
	}

	n := t.windowNext
	if t.windowFull {
		n = len(t.window)
	}
	if n > 0 {
		var sum float64
		for _, d := range t.window[:n] {
			sum += float64(d.Milliseconds())
		}
		s.AverageDeliveryMs = sum / float64(n)
	}
	s.WindowSamples = n
	return s
}
