package models

import "fmt"

// Side is the broker order direction code.
type Side int

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "Buy"
	case SideSell:
		return "Sell"
	default:
		return fmt.Sprintf("Side(%d)", int(s))
	}
}

// OrderType is the broker order type code.
type OrderType int

const (
	OrderTypeLimit     OrderType = 1
	OrderTypeMarket    OrderType = 2
	OrderTypeStop      OrderType = 4
	OrderTypeTrailStop OrderType = 5
	OrderTypeJoinBid   OrderType = 6
	OrderTypeJoinAsk   OrderType = 7
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "Limit"
	case OrderTypeMarket:
		return "Market"
	case OrderTypeStop:
		return "Stop"
	case OrderTypeTrailStop:
		return "TrailingStop"
	case OrderTypeJoinBid:
		return "JoinBid"
	case OrderTypeJoinAsk:
		return "JoinAsk"
	default:
		return fmt.Sprintf("OrderType(%d)", int(t))
	}
}

// OrderStatus is the broker order status code.
type OrderStatus int

const (
	OrderStatusNew             OrderStatus = 1
	OrderStatusWorking         OrderStatus = 2
	OrderStatusFilled          OrderStatus = 3
	OrderStatusPartiallyFilled OrderStatus = 4
	OrderStatusCancelled       OrderStatus = 5
	OrderStatusRejected        OrderStatus = 6
	OrderStatusExpired         OrderStatus = 7
	OrderStatusModified        OrderStatus = 8
)

var orderStatusNames = map[OrderStatus]string{
	OrderStatusNew:             "New",
	OrderStatusWorking:         "Working",
	OrderStatusFilled:          "Filled",
	OrderStatusPartiallyFilled: "PartiallyFilled",
	OrderStatusCancelled:       "Cancelled",
	OrderStatusRejected:        "Rejected",
	OrderStatusExpired:         "Expired",
	OrderStatusModified:        "Modified",
}

func (s OrderStatus) String() string {
	if name, ok := orderStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// PlaceOrderRequest describes one order to be placed at the broker.
// LimitPrice and StopPrice are only sent when non-nil; LinkedOrderID links
// a protective leg to its entry order.
type PlaceOrderRequest struct {
	AccountID     int       `json:"accountId"`
	ContractID    string    `json:"contractId"`
	Type          OrderType `json:"type"`
	Side          Side      `json:"side"`
	Size          int       `json:"size"`
	LimitPrice    *float64  `json:"limitPrice,omitempty"`
	StopPrice     *float64  `json:"stopPrice,omitempty"`
	TrailPrice    *float64  `json:"trailPrice,omitempty"`
	LinkedOrderID *int64    `json:"linkedOrderId,omitempty"`
	CustomTag     string    `json:"customTag,omitempty"`
}

// Order is a broker order as returned by the open-order search.
type Order struct {
	ID           int64       `json:"id"`
	AccountID    int         `json:"accountId"`
	ContractID   string      `json:"contractId"`
	Status       OrderStatus `json:"status"`
	Type         OrderType   `json:"type"`
	Side         Side        `json:"side"`
	Size         int         `json:"size"`
	LimitPrice   *float64    `json:"limitPrice"`
	StopPrice    *float64    `json:"stopPrice"`
	FillVolume   int         `json:"fillVolume"`
	CustomTag    string      `json:"customTag"`
	CreationTime string      `json:"creationTimestamp"`
}

// OrderUpdate is the payload carried by a GatewayUserOrder event after
// normalization. Only the fields the bracket logic needs are decoded; the
// raw payload stays available to registered handlers.
type OrderUpdate struct {
	ID         int64       `json:"id"`
	AccountID  int         `json:"accountId"`
	Status     OrderStatus `json:"status"`
	FillVolume int         `json:"fillVolume"`
	CustomTag  string      `json:"customTag"`
}
