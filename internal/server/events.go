package server

import (
	"time"

	"crashcore/internal/eventbus"
)

// translateEvent maps an internal eventbus.Event (published by
// internal/round in its own field names) to the exact outbound wire
// shape of spec.md §6. Event types the wire protocol does not name
// (bet_placed, paused) are filtered out here rather than forwarded
// verbatim, so the websocket surface stays exactly the spec's nine
// outbound event types plus the "chat" relay (see handleChat) and the
// "pong" reply to ping.
func translateEvent(ev eventbus.Event) (string, map[string]any, bool) {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return "", nil, false
	}

	switch ev.Type {
	case "round_opened":
		deadlineMS := int64(0)
		if secs, ok := payload["time_left_s"].(float64); ok {
			deadlineMS = int64(secs * 1000)
		}
		return "round_opened", map[string]any{
			"round_id":        payload["round_id"],
			"commit_hash":     payload["commit_hash"],
			"bet_deadline_ms": deadlineMS,
		}, true

	case "round_started":
		return "round_started", map[string]any{
			"round_id":       payload["round_id"],
			"server_time_ms": time.Now().UnixMilli(),
		}, true

	case "multiplier_tick":
		return "multiplier_tick", map[string]any{
			"round_id": payload["round_id"],
			"m":        payload["multiplier"],
		}, true

	case "player_cashed_out":
		return "player_cashed_out", map[string]any{
			"round_id": payload["round_id"],
			"user_id":  payload["user_id"],
			"m":        payload["multiplier"],
			"payout":   payload["payout"],
		}, true

	case "round_crashed":
		return "round_crashed", payload, true

	case "round_revealed":
		return "round_revealed", payload, true

	case "chat":
		return "chat", payload, true

	default:
		return "", nil, false
	}
}
