package node

import (
	"context"
	"time"
)

const byeTimeout = 500 * time.Millisecond

// handshake 向 broker 註冊自己與方法表
func (n *Node) handshake(ctx context.Context) error {
	client, err := n.pool.Broker(n.config.Broker)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, n.config.HeartbeatInterval)
	defer cancel()

	info := n.Info()
	if _, err := client.Handshake(ctx, &info); err != nil {
		return err
	}
	n.logger.Debug("Handshake completed", "broker", n.config.Broker, "methods", len(info.Methods))
	return nil
}

// heartbeatLoop 定期送出心跳
//
// 心跳失敗後下一次改送握手，broker 重新啟動時會重新取得完整的方法表。
func (n *Node) heartbeatLoop(stopCh <-chan struct{}) {
	defer n.loopWg.Done()
	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	lost := false
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		if lost {
			if err := n.handshake(context.Background()); err != nil {
				n.logger.Debug("Reconnect to broker failed", "broker", n.config.Broker, "error", err)
				continue
			}
			lost = false
			n.logger.Info("Reconnected to broker", "broker", n.config.Broker)
			continue
		}

		if err := n.heartbeat(); err != nil {
			lost = true
			n.reconnects.Add(1)
			n.logger.Warn("Heartbeat failed, reconnecting", "broker", n.config.Broker, "error", err)
		}
	}
}

func (n *Node) heartbeat() error {
	client, err := n.pool.Broker(n.config.Broker)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.config.HeartbeatInterval)
	defer cancel()

	info := n.Info()
	ack, err := client.Heartbeat(ctx, &info)
	if err != nil {
		return err
	}
	n.heartbeats.Add(1)
	if ack.Registered {
		n.logger.Info("Broker re-registered node from heartbeat")
	}
	return nil
}

// bye 通知 broker 離開；失敗時只記錄，broker 會以心跳逾時回收
func (n *Node) bye(ctx context.Context) {
	client, err := n.pool.Broker(n.config.Broker)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, byeTimeout)
	defer cancel()
	if _, err := client.Bye(ctx, n.id); err != nil {
		n.logger.Debug("Bye not delivered", "broker", n.config.Broker, "error", err)
	}
}
