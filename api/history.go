package api

import (
	"context"
	"errors"
	"time"

	"topstepflow/models"
)

// ErrNoBars reports that the history endpoint returned no bars for the
// requested window.
var ErrNoBars = errors.New("no bars returned")

// HistoryAPI wraps the bar history endpoints.
type HistoryAPI struct {
	client *Client
}

// Bar aggregation units used by the retrieveBars endpoint.
const (
	UnitSecond = 1
	UnitMinute = 2
	UnitHour   = 3
	UnitDay    = 4
)

type RetrieveBarsRequest struct {
	ContractID        string    `json:"contractId"`
	Live              bool      `json:"live"`
	StartTime         time.Time `json:"startTime"`
	EndTime           time.Time `json:"endTime"`
	Unit              int       `json:"unit"`
	UnitNumber        int       `json:"unitNumber"`
	Limit             int       `json:"limit"`
	IncludePartialBar bool      `json:"includePartialBar"`
}

type retrieveBarsResponse struct {
	apiEnvelope
	Bars []models.Bar `json:"bars"`
}

// RetrieveBars fetches aggregated bars for a contract.
func (a *HistoryAPI) RetrieveBars(ctx context.Context, req RetrieveBarsRequest) ([]models.Bar, error) {
	var resp retrieveBarsResponse
	if err := a.client.post(ctx, "/api/History/retrieveBars", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, resp.err("/api/History/retrieveBars")
	}
	return resp.Bars, nil
}

// LatestBar returns the most recent completed 1-minute bar for the
// contract, looking back over the last day. ErrNoBars is returned when the
// window holds no data.
func (a *HistoryAPI) LatestBar(ctx context.Context, contractID string) (*models.Bar, error) {
	now := time.Now().UTC()
	bars, err := a.RetrieveBars(ctx, RetrieveBarsRequest{
		ContractID:        contractID,
		Live:              false,
		StartTime:         now.Add(-24 * time.Hour),
		EndTime:           now,
		Unit:              UnitMinute,
		UnitNumber:        1,
		Limit:             1,
		IncludePartialBar: false,
	})
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, ErrNoBars
	}
	bar := bars[len(bars)-1]
	return &bar, nil
}
