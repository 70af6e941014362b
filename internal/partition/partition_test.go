package partition

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshkv/go-client/internal/kverrors"
)

func TestCheckAndSetPartitionCountFirstWins(t *testing.T) {
	s := New()
	require.True(t, s.CheckAndSetPartitionCount(271))
	require.True(t, s.CheckAndSetPartitionCount(271))
	require.False(t, s.CheckAndSetPartitionCount(272))
	require.Equal(t, int32(271), s.PartitionCount())
}

func TestPartitionIDForReturnsClientOfflineBeforeCountKnown(t *testing.T) {
	s := New()
	_, err := s.PartitionIDFor(12345)
	require.Error(t, err)
	var offline *kverrors.ClientOfflineError
	require.ErrorAs(t, err, &offline)
}

func TestPartitionIDForIsWithinRange(t *testing.T) {
	s := New()
	s.CheckAndSetPartitionCount(271)
	for _, h := range []int32{0, 1, -1, 123456789, -987654321} {
		id, err := s.PartitionIDFor(h)
		require.NoError(t, err)
		require.GreaterOrEqual(t, id, int32(0))
		require.Less(t, id, int32(271))
	}
}

func TestPartitionIDForIsUnsignedModulo(t *testing.T) {
	s := New()
	s.CheckAndSetPartitionCount(271)
	const keyHash = int32(0xDEADBEEF)
	id, err := s.PartitionIDFor(keyHash)
	require.NoError(t, err)
	require.Equal(t, int32(uint32(0xDEADBEEF)%271), id)
}

func TestHandlePartitionsViewRejectsEmptyPayload(t *testing.T) {
	s := New()
	s.HandlePartitionsView("conn-1", nil, 1)
	_, ok := s.OwnerOf(0)
	require.False(t, ok)
}

func TestHandlePartitionsViewAppliesOnNewSource(t *testing.T) {
	s := New()
	s.HandlePartitionsView("conn-1", []Entry{{MemberUUID: "m1", Partitions: []int32{0, 1}}}, 5)
	s.HandlePartitionsView("conn-2", []Entry{{MemberUUID: "m2", Partitions: []int32{0}}}, 1)

	owner, ok := s.OwnerOf(0)
	require.True(t, ok)
	require.Equal(t, "m2", owner)
}

func TestHandlePartitionsViewRejectsStaleVersionFromSameSource(t *testing.T) {
	s := New()
	s.HandlePartitionsView("conn-1", []Entry{{MemberUUID: "m1", Partitions: []int32{0}}}, 5)
	s.HandlePartitionsView("conn-1", []Entry{{MemberUUID: "m2", Partitions: []int32{0}}}, 5)

	owner, _ := s.OwnerOf(0)
	require.Equal(t, "m1", owner)
}

func TestHandlePartitionsViewAppliesStrictlyGreaterVersionFromSameSource(t *testing.T) {
	s := New()
	s.HandlePartitionsView("conn-1", []Entry{{MemberUUID: "m1", Partitions: []int32{0}}}, 5)
	s.HandlePartitionsView("conn-1", []Entry{{MemberUUID: "m2", Partitions: []int32{0}}}, 6)

	owner, _ := s.OwnerOf(0)
	require.Equal(t, "m2", owner)
}

func TestStringPartitionStrategy(t *testing.T) {
	require.Equal(t, "bar", StringPartitionStrategy("foo@bar"))
	require.Equal(t, "foo", StringPartitionStrategy("foo"))
	require.Equal(t, "", StringPartitionStrategy("foo@"))
}
