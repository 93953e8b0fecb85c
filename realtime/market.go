package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"topstepflow/logger"
	"topstepflow/models"
)

// Store is the sink for streamed market records. Enqueue must never block
// the dispatch thread.
type Store interface {
	Enqueue(channel models.MarketChannel, contractID string, payload []byte, receivedAt time.Time)
}

// marketEventAliases maps each semantic market event onto every wire name
// the gateway has used for it. Handlers are registered under all aliases and
// dispatch on whichever fires.
var marketEventAliases = map[models.MarketChannel][]string{
	models.ChannelQuote: {"GatewayQuote", "GatewayContractQuote"},
	models.ChannelTrade: {"GatewayTrade", "GatewayContractTrade"},
	models.ChannelDepth: {"GatewayDepth", "GatewayContractMarketDepth"},
}

// marketSubscribeCommands maps each channel to its wire subscribe and
// unsubscribe invocations.
var marketSubscribeCommands = map[models.MarketChannel][2]string{
	models.ChannelQuote: {"SubscribeContractQuotes", "UnsubscribeContractQuotes"},
	models.ChannelTrade: {"SubscribeContractTrades", "UnsubscribeContractTrades"},
	models.ChannelDepth: {"SubscribeContractMarketDepth", "UnsubscribeContractMarketDepth"},
}

// replayChannelOrder fixes the channel order of subscription replay.
var replayChannelOrder = []models.MarketChannel{models.ChannelQuote, models.ChannelTrade, models.ChannelDepth}

// MarketDataFeed is the typed subscribe surface of the market hub. Its
// subscription set is the single source of truth for what should be live;
// it is replayed verbatim after every reconnect.
type MarketDataFeed struct {
	hub   *Hub
	store Store
	log   *logger.Log

	mu   sync.Mutex
	subs map[models.MarketChannel]map[string]struct{}
}

// NewMarketDataFeed wires a feed onto a hub. When store is non-nil every
// received event is also enqueued for ingestion.
func NewMarketDataFeed(hub *Hub, store Store) *MarketDataFeed {
	f := &MarketDataFeed{
		hub:   hub,
		store: store,
		log:   logger.GetLogger(),
		subs: map[models.MarketChannel]map[string]struct{}{
			models.ChannelQuote: {},
			models.ChannelTrade: {},
			models.ChannelDepth: {},
		},
	}
	hub.OnOpen(f.replay)
	hub.OnStop(f.sendUnsubscribes)

	for channel, aliases := range marketEventAliases {
		ch := channel
		for _, alias := range aliases {
			hub.On(alias, func(arguments []json.RawMessage) {
				f.ingest(ch, arguments)
			})
		}
	}
	return f
}

// Hub exposes the underlying connection for lifecycle control.
func (f *MarketDataFeed) Hub() *Hub {
	return f.hub
}

// OnQuote registers a handler for quote updates under every known alias.
func (f *MarketDataFeed) OnQuote(handler func(Payload)) {
	f.onChannel(models.ChannelQuote, handler)
}

// OnTrade registers a handler for trade updates under every known alias.
func (f *MarketDataFeed) OnTrade(handler func(Payload)) {
	f.onChannel(models.ChannelTrade, handler)
}

// OnDepth registers a handler for depth updates under every known alias.
func (f *MarketDataFeed) OnDepth(handler func(Payload)) {
	f.onChannel(models.ChannelDepth, handler)
}

func (f *MarketDataFeed) onChannel(channel models.MarketChannel, handler func(Payload)) {
	for _, alias := range marketEventAliases[channel] {
		f.hub.On(alias, func(arguments []json.RawMessage) {
			handler(normalizePayload(arguments))
		})
	}
}

// unkeyedContract is the partition tag for events that arrived without a
// contract id and could not be attributed to a single subscription.
const unkeyedContract = "unkeyed"

// ingest forwards one received event into the store and the counters.
func (f *MarketDataFeed) ingest(channel models.MarketChannel, arguments []json.RawMessage) {
	p := normalizePayload(arguments)
	logger.IncrementMarketEvent(len(p.Value))
	if f.store == nil {
		return
	}
	if p.Kind == PayloadUnrecognized {
		f.log.WithComponent("market_feed").WithFields(logger.Fields{"channel": channel}).Warn("dropping unrecognized payload shape")
		return
	}
	contractID := p.ContractID
	if contractID == "" {
		contractID = f.soleContract(channel)
	}
	f.store.Enqueue(channel, contractID, p.Value, time.Now().UTC())
}

// soleContract attributes an unkeyed event to the channel's only tracked
// contract when there is exactly one, otherwise tags it as unkeyed.
func (f *MarketDataFeed) soleContract(channel models.MarketChannel) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs[channel]) != 1 {
		return unkeyedContract
	}
	for contractID := range f.subs[channel] {
		return contractID
	}
	return unkeyedContract
}

// SubscribeQuotes subscribes to quote updates for one contract. Repeated
// subscription is a no-op success.
func (f *MarketDataFeed) SubscribeQuotes(contractID string) bool {
	return f.subscribe(models.ChannelQuote, contractID)
}

// SubscribeTrades subscribes to trade updates for one contract.
func (f *MarketDataFeed) SubscribeTrades(contractID string) bool {
	return f.subscribe(models.ChannelTrade, contractID)
}

// SubscribeDepth subscribes to market depth updates for one contract.
func (f *MarketDataFeed) SubscribeDepth(contractID string) bool {
	return f.subscribe(models.ChannelDepth, contractID)
}

// UnsubscribeQuotes drops the quote subscription for one contract. The
// intent is cleared even when the wire send fails, so a later reconnect
// cannot resurrect an unwanted subscription.
func (f *MarketDataFeed) UnsubscribeQuotes(contractID string) bool {
	return f.unsubscribe(models.ChannelQuote, contractID)
}

// UnsubscribeTrades drops the trade subscription for one contract.
func (f *MarketDataFeed) UnsubscribeTrades(contractID string) bool {
	return f.unsubscribe(models.ChannelTrade, contractID)
}

// UnsubscribeDepth drops the depth subscription for one contract.
func (f *MarketDataFeed) UnsubscribeDepth(contractID string) bool {
	return f.unsubscribe(models.ChannelDepth, contractID)
}

// UnsubscribeAll drops every tracked subscription across all channels.
func (f *MarketDataFeed) UnsubscribeAll() {
	for _, channel := range replayChannelOrder {
		f.mu.Lock()
		keys := sortedKeys(f.subs[channel])
		f.mu.Unlock()
		for _, contractID := range keys {
			f.unsubscribe(channel, contractID)
		}
	}
}

func (f *MarketDataFeed) subscribe(channel models.MarketChannel, contractID string) bool {
	f.mu.Lock()
	_, exists := f.subs[channel][contractID]
	f.mu.Unlock()
	if exists {
		return true
	}

	if !f.hub.Send(marketSubscribeCommands[channel][0], contractID) {
		return false
	}

	f.mu.Lock()
	f.subs[channel][contractID] = struct{}{}
	f.mu.Unlock()

	f.log.WithComponent("market_feed").WithFields(logger.Fields{
		"channel":  channel,
		"contract": contractID,
	}).Info("subscribed")
	return true
}

func (f *MarketDataFeed) unsubscribe(channel models.MarketChannel, contractID string) bool {
	f.mu.Lock()
	delete(f.subs[channel], contractID)
	f.mu.Unlock()

	return f.hub.Send(marketSubscribeCommands[channel][1], contractID)
}

// replay re-sends a subscribe for every tracked entry, quotes then trades
// then depth. Fired on every connection open.
func (f *MarketDataFeed) replay() {
	f.mu.Lock()
	snapshot := make(map[models.MarketChannel][]string, len(f.subs))
	for channel, set := range f.subs {
		snapshot[channel] = sortedKeys(set)
	}
	f.mu.Unlock()

	for _, channel := range replayChannelOrder {
		for _, contractID := range snapshot[channel] {
			if !f.hub.Send(marketSubscribeCommands[channel][0], contractID) {
				f.log.WithComponent("market_feed").WithFields(logger.Fields{
					"channel":  channel,
					"contract": contractID,
				}).Warn("subscription replay send failed")
			}
		}
	}
}

// sendUnsubscribes issues best-effort unsubscribes for everything tracked
// without mutating the set, so a later Start replays the same subscriptions.
func (f *MarketDataFeed) sendUnsubscribes() {
	f.mu.Lock()
	snapshot := make(map[models.MarketChannel][]string, len(f.subs))
	for channel, set := range f.subs {
		snapshot[channel] = sortedKeys(set)
	}
	f.mu.Unlock()

	for _, channel := range replayChannelOrder {
		for _, contractID := range snapshot[channel] {
			f.hub.Send(marketSubscribeCommands[channel][1], contractID)
		}
	}
}
