package zookeeper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortBySequence(t *testing.T) {
	// guid 前缀的字典序与序号顺序相反
	children := []string{
		"_c_0000-lock-0000000012",
		"_c_ffff-lock-0000000010",
		"_c_aaaa-lock-0000000011",
	}
	require.NoError(t, sortBySequence(children))
	assert.Equal(t, []string{
		"_c_ffff-lock-0000000010",
		"_c_aaaa-lock-0000000011",
		"_c_0000-lock-0000000012",
	}, children)

	assert.Error(t, sortBySequence([]string{"short"}))
	assert.Error(t, sortBySequence([]string{"lock-abcdefghij"}))
}

func TestPredecessor(t *testing.T) {
	children := []string{"_c_a-lock-0000000001", "_c_b-lock-0000000002", "_c_c-lock-0000000003"}

	prev, err := predecessor(children, "_c_a-lock-0000000001")
	require.NoError(t, err)
	assert.Empty(t, prev, "排第一即持有锁")

	prev, err = predecessor(children, "_c_c-lock-0000000003")
	require.NoError(t, err)
	assert.Equal(t, "_c_b-lock-0000000002", prev)

	// 会话过期后自己的节点已被删除，不能当作拿到锁
	_, err = predecessor(children[1:], "_c_a-lock-0000000001")
	assert.ErrorIs(t, err, ErrLockNodeLost)

	_, err = predecessor(nil, "_c_a-lock-0000000001")
	assert.ErrorIs(t, err, ErrLockNodeLost)
}
