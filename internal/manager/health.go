package manager

import (
	"time"

	"github.com/conductorhq/agent-relay/internal/pool"
)

// pingFailureThreshold is the consecutive-failure count that marks a
// connection unhealthy and triggers cleanup.
const pingFailureThreshold = 3

// healthLoop pings every pooled connection on a fixed interval. A ping
// still unanswered at the next tick counts as a failure; the pong handler
// resets the streak.
func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Manager.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkConnections()
		}
	}
}

func (m *Manager) checkConnections() {
	m.pool.Each(func(c *pool.Conn) {
		if c.PingPending() {
			if c.PingFailed() >= pingFailureThreshold {
				c.SetHealthy(false)
				m.cleanupConn(c, "consecutive ping failures")
				return
			}
		}
		if err := c.Ping(time.Now().Add(pingWriteTimeout)); err != nil {
			if c.PingFailed() >= pingFailureThreshold {
				c.SetHealthy(false)
				m.cleanupConn(c, "ping write failures")
			}
		}
	})
}
