package api

import (
	"context"
	"time"

	"topstepflow/models"
)

// TradeAPI wraps the executed-trade search endpoint.
type TradeAPI struct {
	client *Client
}

type searchTradesRequest struct {
	AccountID      int        `json:"accountId"`
	StartTimestamp time.Time  `json:"startTimestamp"`
	EndTimestamp   *time.Time `json:"endTimestamp,omitempty"`
}

type searchTradesResponse struct {
	apiEnvelope
	Trades []models.Trade `json:"trades"`
}

// Search lists trades executed on the account since start.
func (a *TradeAPI) Search(ctx context.Context, accountID int, start time.Time) ([]models.Trade, error) {
	var resp searchTradesResponse
	if err := a.client.post(ctx, "/api/Trade/search", searchTradesRequest{AccountID: accountID, StartTimestamp: start}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, resp.err("/api/Trade/search")
	}
	return resp.Trades, nil
}
