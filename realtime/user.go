package realtime

import (
	"encoding/json"
	"sync"

	"topstepflow/logger"
	"topstepflow/models"
)

// userChannel identifies one of the user hub data streams.
type userChannel string

const (
	userChannelAccounts  userChannel = "accounts"
	userChannelOrders    userChannel = "orders"
	userChannelPositions userChannel = "positions"
	userChannelTrades    userChannel = "trades"
)

// userReplayOrder fixes the channel order of subscription replay.
var userReplayOrder = []userChannel{userChannelAccounts, userChannelOrders, userChannelPositions, userChannelTrades}

var userSubscribeCommands = map[userChannel][2]string{
	userChannelAccounts:  {"SubscribeAccounts", "UnsubscribeAccounts"},
	userChannelOrders:    {"SubscribeOrders", "UnsubscribeOrders"},
	userChannelPositions: {"SubscribePositions", "UnsubscribePositions"},
	userChannelTrades:    {"SubscribeTrades", "UnsubscribeTrades"},
}

var userEventNames = map[userChannel]string{
	userChannelAccounts:  "GatewayUserAccount",
	userChannelOrders:    "GatewayUserOrder",
	userChannelPositions: "GatewayUserPosition",
	userChannelTrades:    "GatewayUserTrade",
}

// RealtimeUserFeed is the typed subscribe surface of the user hub: account,
// order, position and trade events per account. Like the market feed, its
// subscription set is replayed after every reconnect, accounts first.
type RealtimeUserFeed struct {
	hub *Hub
	log *logger.Log

	mu       sync.Mutex
	accounts bool
	subs     map[userChannel]map[int]struct{}
}

// NewRealtimeUserFeed wires a user feed onto a hub.
func NewRealtimeUserFeed(hub *Hub) *RealtimeUserFeed {
	f := &RealtimeUserFeed{
		hub: hub,
		log: logger.GetLogger(),
		subs: map[userChannel]map[int]struct{}{
			userChannelOrders:    {},
			userChannelPositions: {},
			userChannelTrades:    {},
		},
	}
	hub.OnOpen(f.replay)
	hub.OnStop(f.sendUnsubscribes)

	for _, event := range userEventNames {
		hub.On(event, func(arguments []json.RawMessage) {
			p := normalizePayload(arguments)
			logger.IncrementUserEvent(len(p.Value))
		})
	}
	return f
}

// Hub exposes the underlying connection for lifecycle control.
func (f *RealtimeUserFeed) Hub() *Hub {
	return f.hub
}

// OnAccount registers a handler for account updates.
func (f *RealtimeUserFeed) OnAccount(handler func(Payload)) {
	f.on(userChannelAccounts, handler)
}

// OnOrder registers a handler for raw order updates.
func (f *RealtimeUserFeed) OnOrder(handler func(Payload)) {
	f.on(userChannelOrders, handler)
}

// OnPosition registers a handler for position updates.
func (f *RealtimeUserFeed) OnPosition(handler func(Payload)) {
	f.on(userChannelPositions, handler)
}

// OnTrade registers a handler for trade updates.
func (f *RealtimeUserFeed) OnTrade(handler func(Payload)) {
	f.on(userChannelTrades, handler)
}

// OnOrderUpdate registers a typed order-update handler. A payload that does
// not decode is logged and dropped; it never reaches the handler and never
// kills the dispatch thread.
func (f *RealtimeUserFeed) OnOrderUpdate(handler func(models.OrderUpdate)) {
	f.OnOrder(func(p Payload) {
		if p.Kind == PayloadUnrecognized {
			f.log.WithComponent("user_feed").Warn("dropping unrecognized order payload shape")
			return
		}
		var update models.OrderUpdate
		if err := json.Unmarshal(p.Value, &update); err != nil {
			f.log.WithComponent("user_feed").WithError(err).Warn("dropping undecodable order update")
			return
		}
		handler(update)
	})
}

func (f *RealtimeUserFeed) on(channel userChannel, handler func(Payload)) {
	f.hub.On(userEventNames[channel], func(arguments []json.RawMessage) {
		handler(normalizePayload(arguments))
	})
}

// SubscribeAccounts subscribes to account updates. The wire command takes no
// arguments; every session sees all of its accounts.
func (f *RealtimeUserFeed) SubscribeAccounts() bool {
	f.mu.Lock()
	already := f.accounts
	f.mu.Unlock()
	if already {
		return true
	}

	if !f.hub.Send(userSubscribeCommands[userChannelAccounts][0]) {
		return false
	}

	f.mu.Lock()
	f.accounts = true
	f.mu.Unlock()
	f.log.WithComponent("user_feed").Info("subscribed to accounts")
	return true
}

// UnsubscribeAccounts drops the account subscription. Intent is cleared
// regardless of wire-send success.
func (f *RealtimeUserFeed) UnsubscribeAccounts() bool {
	f.mu.Lock()
	f.accounts = false
	f.mu.Unlock()
	return f.hub.Send(userSubscribeCommands[userChannelAccounts][1])
}

// SubscribeOrders subscribes to order updates for one account.
func (f *RealtimeUserFeed) SubscribeOrders(accountID int) bool {
	return f.subscribe(userChannelOrders, accountID)
}

// SubscribePositions subscribes to position updates for one account.
func (f *RealtimeUserFeed) SubscribePositions(accountID int) bool {
	return f.subscribe(userChannelPositions, accountID)
}

// SubscribeTrades subscribes to trade updates for one account.
func (f *RealtimeUserFeed) SubscribeTrades(accountID int) bool {
	return f.subscribe(userChannelTrades, accountID)
}

// UnsubscribeOrders drops the order subscription for one account.
func (f *RealtimeUserFeed) UnsubscribeOrders(accountID int) bool {
	return f.unsubscribe(userChannelOrders, accountID)
}

// UnsubscribePositions drops the position subscription for one account.
func (f *RealtimeUserFeed) UnsubscribePositions(accountID int) bool {
	return f.unsubscribe(userChannelPositions, accountID)
}

// UnsubscribeTrades drops the trade subscription for one account.
func (f *RealtimeUserFeed) UnsubscribeTrades(accountID int) bool {
	return f.unsubscribe(userChannelTrades, accountID)
}

// UnsubscribeAll drops every tracked subscription across all channels.
func (f *RealtimeUserFeed) UnsubscribeAll() {
	f.UnsubscribeAccounts()
	for _, channel := range userReplayOrder[1:] {
		f.mu.Lock()
		keys := sortedKeys(f.subs[channel])
		f.mu.Unlock()
		for _, accountID := range keys {
			f.unsubscribe(channel, accountID)
		}
	}
}

func (f *RealtimeUserFeed) subscribe(channel userChannel, accountID int) bool {
	f.mu.Lock()
	_, exists := f.subs[channel][accountID]
	f.mu.Unlock()
	if exists {
		return true
	}

	if !f.hub.Send(userSubscribeCommands[channel][0], accountID) {
		return false
	}

	f.mu.Lock()
	f.subs[channel][accountID] = struct{}{}
	f.mu.Unlock()

	f.log.WithComponent("user_feed").WithFields(logger.Fields{
		"channel": channel,
		"account": accountID,
	}).Info("subscribed")
	return true
}

func (f *RealtimeUserFeed) unsubscribe(channel userChannel, accountID int) bool {
	f.mu.Lock()
	delete(f.subs[channel], accountID)
	f.mu.Unlock()

	return f.hub.Send(userSubscribeCommands[channel][1], accountID)
}

// replay re-sends every tracked subscription, accounts then orders then
// positions then trades. Fired on every connection open.
func (f *RealtimeUserFeed) replay() {
	f.mu.Lock()
	accounts := f.accounts
	snapshot := make(map[userChannel][]int, len(f.subs))
	for channel, set := range f.subs {
		snapshot[channel] = sortedKeys(set)
	}
	f.mu.Unlock()

	if accounts {
		f.hub.Send(userSubscribeCommands[userChannelAccounts][0])
	}
	for _, channel := range userReplayOrder[1:] {
		for _, accountID := range snapshot[channel] {
			if !f.hub.Send(userSubscribeCommands[channel][0], accountID) {
				f.log.WithComponent("user_feed").WithFields(logger.Fields{
					"channel": channel,
					"account": accountID,
				}).Warn("subscription replay send failed")
			}
		}
	}
}

func (f *RealtimeUserFeed) sendUnsubscribes() {
	f.mu.Lock()
	accounts := f.accounts
	snapshot := make(map[userChannel][]int, len(f.subs))
	for channel, set := range f.subs {
		snapshot[channel] = sortedKeys(set)
	}
	f.mu.Unlock()

	if accounts {
		f.hub.Send(userSubscribeCommands[userChannelAccounts][1])
	}
	for _, channel := range userReplayOrder[1:] {
		for _, accountID := range snapshot[channel] {
			f.hub.Send(userSubscribeCommands[channel][1], accountID)
		}
	}
}
