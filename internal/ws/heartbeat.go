package ws

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters. The interval must stay
// comfortably under the presence registry's lease TTL: every pong that comes
// back refreshes the lease, so a healthy socket never expires.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 40s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 15s)
}

// DefaultHeartbeatConfig returns defaults tuned against the 60s presence TTL.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 40 * time.Second,
		Timeout:  15 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and closes those that have gone
// stale (no frame received within Interval + Timeout). It returns
// immediately; the goroutine exits when the server's done channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections iterates over all active connections. Connections that
// have not produced a frame within Interval + Timeout are considered dead and
// are removed, which also releases their presence lease through the server's
// disconnect callback. All other connections receive a protocol-level ping
// frame which the browser answers automatically with a pong.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		if now.Sub(c.LastActive) > deadline {
			log.Printf("ws: heartbeat timeout user=%s socket=%s last_activity=%s ago",
				c.UserID, c.ID, now.Sub(c.LastActive).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		// The write mutex on the connection serializes this with any
		// concurrent application writes.
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed user=%s socket=%s: %v", c.UserID, c.ID, err)
			server.RemoveConnection(c)
		}
	}
}
