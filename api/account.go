package api

import (
	"context"

	"topstepflow/models"
)

// AccountAPI wraps the account search endpoint.
type AccountAPI struct {
	client *Client
}

type searchAccountsRequest struct {
	OnlyActiveAccounts bool `json:"onlyActiveAccounts"`
}

type searchAccountsResponse struct {
	apiEnvelope
	Accounts []models.Account `json:"accounts"`
}

// Search lists the accounts visible to the session.
func (a *AccountAPI) Search(ctx context.Context, onlyActive bool) ([]models.Account, error) {
	var resp searchAccountsResponse
	if err := a.client.post(ctx, "/api/Account/search", searchAccountsRequest{OnlyActiveAccounts: onlyActive}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, resp.err("/api/Account/search")
	}
	return resp.Accounts, nil
}
