package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"topstepflow/models"
)

// ErrOrderNotWorking reports a cancel rejected because the order is no
// longer working at the broker (already filled, cancelled or expired). The
// bracket logic treats this as success since the desired end state holds.
var ErrOrderNotWorking = errors.New("order not working")

// OrderAPI wraps the order placement and management endpoints.
type OrderAPI struct {
	client *Client
}

type placeOrderResponse struct {
	apiEnvelope
	OrderID int64 `json:"orderId"`
}

// Place submits one order and returns the broker-assigned order id.
func (a *OrderAPI) Place(ctx context.Context, req models.PlaceOrderRequest) (int64, error) {
	var resp placeOrderResponse
	if err := a.client.post(ctx, "/api/Order/place", req, &resp); err != nil {
		return 0, err
	}
	if !resp.Success || resp.OrderID == 0 {
		return 0, resp.err("/api/Order/place")
	}
	return resp.OrderID, nil
}

type cancelOrderRequest struct {
	AccountID int   `json:"accountId"`
	OrderID   int64 `json:"orderId"`
}

// Cancel requests cancellation of a working order. A rejection because the
// order is no longer working is reported as ErrOrderNotWorking.
func (a *OrderAPI) Cancel(ctx context.Context, accountID int, orderID int64) error {
	var resp apiEnvelope
	if err := a.client.post(ctx, "/api/Order/cancel", cancelOrderRequest{AccountID: accountID, OrderID: orderID}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		msg := strings.ToLower(resp.ErrorMessage)
		if strings.Contains(msg, "not working") || strings.Contains(msg, "not active") || strings.Contains(msg, "not open") {
			return fmt.Errorf("order %d: %w", orderID, ErrOrderNotWorking)
		}
		return resp.err("/api/Order/cancel")
	}
	return nil
}

type searchOpenOrdersRequest struct {
	AccountID int `json:"accountId"`
}

type searchOrdersResponse struct {
	apiEnvelope
	Orders []models.Order `json:"orders"`
}

// SearchOpen returns every currently open order on the account.
func (a *OrderAPI) SearchOpen(ctx context.Context, accountID int) ([]models.Order, error) {
	var resp searchOrdersResponse
	if err := a.client.post(ctx, "/api/Order/searchOpen", searchOpenOrdersRequest{AccountID: accountID}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, resp.err("/api/Order/searchOpen")
	}
	return resp.Orders, nil
}
