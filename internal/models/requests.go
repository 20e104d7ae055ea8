package models

// DispositionRequest is the payload for POST /lines/{n}/disposition.
type DispositionRequest struct {
	DispositionID string `json:"dispositionId"`
	Notes         string `json:"notes"`
}

// CorrectionRequest is the payload for PATCH /history/{id}.
type CorrectionRequest struct {
	DispositionID string `json:"dispositionId"`
}

// TargetIDsRequest is the payload for the bulk queue endpoints.
type TargetIDsRequest struct {
	TargetIDs []string `json:"targetIds"`
}

// ManualDialRequest is the payload for POST /manual/dial.
type ManualDialRequest struct {
	Name    string   `json:"name"`
	Numbers []string `json:"numbers"`
}

// DirectCallRequest is the payload for POST /manual/direct.
type DirectCallRequest struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// BulkResponse reports how many targets a bulk action touched.
type BulkResponse struct {
	Affected int `json:"affected"`
}

// ServiceCheck is the health of one dependency.
type ServiceCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status  string       `json:"status"`
	DB      ServiceCheck `json:"db"`
	Carrier ServiceCheck `json:"carrier"`
	Media   ServiceCheck `json:"media"`
	Queued  int          `json:"queued"`
}

// EnqueueRequest is the payload for POST /queue/targets.
type EnqueueRequest struct {
	Targets []CallTarget `json:"targets"`
}
