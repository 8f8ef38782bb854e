package zookeeper

import (
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"

	"fulfillment/internal/pkg/logger"
)

// Conn ZooKeeper 会话
type Conn struct {
	*zk.Conn
}

type zkLogger struct{}

func (zkLogger) Printf(format string, args ...interface{}) {
	logger.L().Debug().Str("component", "zookeeper").Msgf(format, args...)
}

// Connect 建立会话。会话事件只记录日志，临时节点随会话过期自动删除。
func Connect(servers []string, sessionTimeout time.Duration) (*Conn, error) {
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zkLogger{}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper %v: %w", servers, err)
	}
	go func() {
		for ev := range events {
			if ev.Type == zk.EventSession {
				logger.L().Info().Str("state", ev.State.String()).Msg("zookeeper session state changed")
			}
		}
	}()
	return &Conn{Conn: conn}, nil
}
