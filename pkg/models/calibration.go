package models

// CalibrationBuckets is the number of confidence buckets tracked per agent.
const CalibrationBuckets = 10

// CalibrationBucket accumulates expected-vs-observed confidence for one
// bucket of one agent. The deviation feeds the risk score.
type CalibrationBucket struct {
	AgentUUID     string  `json:"agent_uuid"`
	Bucket        int     `json:"bucket"`
	Samples       int64   `json:"samples"`
	Passes        int64   `json:"passes"`
	ConfidenceSum float64 `json:"confidence_sum"`
}

// Expected is the mean stated confidence of samples in the bucket.
func (b *CalibrationBucket) Expected() float64 {
	if b.Samples == 0 {
		return 0
	}
	return b.ConfidenceSum / float64(b.Samples)
}

// Observed is the fraction of samples that passed CI.
func (b *CalibrationBucket) Observed() float64 {
	if b.Samples == 0 {
		return 0
	}
	return float64(b.Passes) / float64(b.Samples)
}

// Deviation is the absolute expected-vs-observed gap.
func (b *CalibrationBucket) Deviation() float64 {
	d := b.Expected() - b.Observed()
	if d < 0 {
		d = -d
	}
	return d
}

// BucketForConfidence maps a confidence value to its bucket index.
func BucketForConfidence(confidence float64) int {
	if confidence < 0 {
		confidence = 0
	}
	if confidence >= 1 {
		return CalibrationBuckets - 1
	}
	return int(confidence * CalibrationBuckets)
}
