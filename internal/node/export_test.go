package node

import "github.com/ChuLiYu/spinal/pkg/types"

// Abort 模擬程序崩潰：停止心跳與 gRPC server，不通知 broker
func Abort(n *Node) {
	n.mu.Lock()
	stopCh, srv := n.stopCh, n.grpcServer
	n.state = types.StateDisconnected
	n.mu.Unlock()

	close(stopCh)
	n.loopWg.Wait()
	srv.Stop()
}
