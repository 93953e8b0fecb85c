package api

import (
	"context"

	"topstepflow/models"
)

// ContractAPI wraps the contract discovery endpoints.
type ContractAPI struct {
	client *Client
}

type searchContractsRequest struct {
	SearchText string `json:"searchText"`
	Live       bool   `json:"live"`
}

type searchContractsResponse struct {
	apiEnvelope
	Contracts []models.Contract `json:"contracts"`
}

// Search finds contracts matching the given text.
func (a *ContractAPI) Search(ctx context.Context, text string, live bool) ([]models.Contract, error) {
	var resp searchContractsResponse
	if err := a.client.post(ctx, "/api/Contract/search", searchContractsRequest{SearchText: text, Live: live}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, resp.err("/api/Contract/search")
	}
	return resp.Contracts, nil
}

type searchContractByIDRequest struct {
	ContractID string `json:"contractId"`
}

type searchContractByIDResponse struct {
	apiEnvelope
	Contract *models.Contract `json:"contract"`
}

// SearchByID resolves one contract by its full id.
func (a *ContractAPI) SearchByID(ctx context.Context, contractID string) (*models.Contract, error) {
	var resp searchContractByIDResponse
	if err := a.client.post(ctx, "/api/Contract/searchById", searchContractByIDRequest{ContractID: contractID}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Contract == nil {
		return nil, resp.err("/api/Contract/searchById")
	}
	return resp.Contract, nil
}
