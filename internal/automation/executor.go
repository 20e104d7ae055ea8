package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/stads98/telnyx-crm-sub001/internal/models"
)

// Request asks the automation service to run a disposition's actions for a
// target. Previous is set on corrections so the service can undo the old
// disposition's side effects.
type Request struct {
	HistoryID   string
	Target      models.CallTarget
	Disposition models.Disposition
	Previous    *models.Disposition
}

// Recorder persists one execution.
type Recorder interface {
	Record(run *models.AutomationRun) error
}

// Executor posts disposition outcomes to the automation webhook.
type Executor struct {
	url        string
	token      string
	httpClient *http.Client
	recorder   Recorder
	logger     *slog.Logger
}

func NewExecutor(url, token string, recorder Recorder, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		url:   url,
		token: token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		recorder: recorder,
		logger:   logger,
	}
}

type executeRequest struct {
	HistoryID           string              `json:"history_id"`
	Target              models.CallTarget   `json:"target"`
	Disposition         models.Disposition  `json:"disposition"`
	PreviousDisposition *models.Disposition `json:"previous_disposition,omitempty"`
}

type executeResponse struct {
	Executed int `json:"executed"`
}

// Execute runs the actions and returns how many the service executed. With
// no webhook configured nothing runs and the call is only logged. Every call
// is recorded, failed ones included.
func (e *Executor) Execute(ctx context.Context, req Request) (int, error) {
	executed, err := e.execute(ctx, req)

	run := &models.AutomationRun{
		ID:            uuid.New().String(),
		HistoryID:     req.HistoryID,
		TargetID:      req.Target.ID,
		DispositionID: req.Disposition.ID,
		Executed:      executed,
		CreatedAt:     time.Now().Unix(),
	}
	if req.Previous != nil {
		run.PreviousDispositionID = req.Previous.ID
	}
	if err != nil {
		run.Error = err.Error()
	}
	if e.recorder != nil {
		if recErr := e.recorder.Record(run); recErr != nil {
			e.logger.Warn("record automation run", "history", req.HistoryID, "error", recErr)
		}
	}
	return executed, err
}

func (e *Executor) execute(ctx context.Context, req Request) (int, error) {
	if e.url == "" {
		return 0, nil
	}

	data, err := json.Marshal(executeRequest{
		HistoryID:           req.HistoryID,
		Target:              req.Target,
		Disposition:         req.Disposition,
		PreviousDisposition: req.Previous,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal automation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("build automation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("automation webhook: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read automation response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("automation webhook: status %d: %s", resp.StatusCode, string(body))
	}

	var result executeResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			return 0, fmt.Errorf("decode automation response: %w", err)
		}
	}
	return result.Executed, nil
}
