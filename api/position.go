package api

import (
	"context"

	"topstepflow/models"
)

// PositionAPI wraps the position endpoints. CloseContract exists so an
// operator can flatten a position left behind by a partially placed
// bracket; nothing calls it automatically.
type PositionAPI struct {
	client *Client
}

type searchPositionsRequest struct {
	AccountID int `json:"accountId"`
}

type searchPositionsResponse struct {
	apiEnvelope
	Positions []models.Position `json:"positions"`
}

// SearchOpen lists the open positions on the account.
func (a *PositionAPI) SearchOpen(ctx context.Context, accountID int) ([]models.Position, error) {
	var resp searchPositionsResponse
	if err := a.client.post(ctx, "/api/Position/searchOpen", searchPositionsRequest{AccountID: accountID}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, resp.err("/api/Position/searchOpen")
	}
	return resp.Positions, nil
}

type closeContractRequest struct {
	AccountID  int    `json:"accountId"`
	ContractID string `json:"contractId"`
}

// CloseContract flattens the position held in a contract at market.
func (a *PositionAPI) CloseContract(ctx context.Context, accountID int, contractID string) error {
	var resp apiEnvelope
	if err := a.client.post(ctx, "/api/Position/closeContract", closeContractRequest{AccountID: accountID, ContractID: contractID}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return resp.err("/api/Position/closeContract")
	}
	return nil
}
