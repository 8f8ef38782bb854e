package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-zookeeper/zk"
)

const (
	lockRoot = "/distributed_locks" // 所有分布式锁的根节点
)

// DistributedLock 基于临时顺序节点的互斥锁。同一个实例不可重入。
type DistributedLock struct {
	conn     *Conn
	path     string // 例如 /distributed_locks/saga-timeout-sweep
	lockNode string // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 确保锁路径存在
func NewDistributedLock(conn *Conn, resourceID string) (*DistributedLock, error) {
	lockPath := lockRoot + "/" + resourceID
	for _, p := range []string{lockRoot, lockPath} {
		_, err := conn.Create(p, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return nil, fmt.Errorf("failed to create lock node %s: %w", p, err)
		}
	}
	return &DistributedLock{conn: conn, path: lockPath}, nil
}

// sequenceOf 取顺序节点名末尾的 10 位序号。
// protected 节点带有 _c_<guid>- 前缀，不能直接按字符串排序。
func sequenceOf(node string) (int64, error) {
	if len(node) < 10 {
		return 0, fmt.Errorf("not a sequential node: %s", node)
	}
	return strconv.ParseInt(node[len(node)-10:], 10, 64)
}

func sortBySequence(children []string) error {
	seqs := make(map[string]int64, len(children))
	for _, c := range children {
		s, err := sequenceOf(c)
		if err != nil {
			return err
		}
		seqs[c] = s
	}
	sort.Slice(children, func(i, j int) bool { return seqs[children[i]] < seqs[children[j]] })
	return nil
}

// ErrLockNodeLost 自己的排队节点不见了，通常是会话过期导致临时节点被删除
var ErrLockNodeLost = errors.New("lock node lost")

// predecessor 返回排在 me 前面的节点，me 排第一时返回空串。children 需已按序号排序。
func predecessor(children []string, me string) (string, error) {
	for i, child := range children {
		if child != me {
			continue
		}
		if i == 0 {
			return "", nil
		}
		return children[i-1], nil
	}
	return "", fmt.Errorf("%w: %s", ErrLockNodeLost, me)
}

// Lock 获取锁，拿不到就监听前一个节点，直到 ctx 结束
func (l *DistributedLock) Lock(ctx context.Context) error {
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", nil, zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("failed to create sequential node: %w", err)
	}
	l.lockNode = nodePath
	myNodeName := strings.TrimPrefix(nodePath, l.path+"/")

	for {
		children, _, err := l.conn.Children(l.path)
		if err != nil {
			l.abandon()
			return fmt.Errorf("failed to get children nodes: %w", err)
		}
		if err := sortBySequence(children); err != nil {
			l.abandon()
			return err
		}

		prev, err := predecessor(children, myNodeName)
		if err != nil {
			l.lockNode = ""
			return err
		}
		if prev == "" {
			return nil
		}

		exists, _, eventChan, err := l.conn.ExistsW(l.path + "/" + prev)
		if err != nil {
			l.abandon()
			return fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue
		}

		select {
		case <-eventChan:
		case <-ctx.Done():
			l.abandon()
			return ctx.Err()
		}
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	l.lockNode = ""
	return nil
}

// abandon 放弃排队，删除自己的节点
func (l *DistributedLock) abandon() {
	if l.lockNode != "" {
		_ = l.conn.Delete(l.lockNode, -1)
		l.lockNode = ""
	}
}
