//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package scsi

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/phobos/domain"
)

// scriptedDevice routes every Exec call to a test-provided handler.
type scriptedDevice struct {
	exec func(cdb []byte, data []byte) *ExecStatus
}

func (d *scriptedDevice) Exec(cdb []byte, data []byte, dir DataDirection,
	timeout time.Duration) (*ExecStatus, error) {
	return d.exec(cdb, data), nil
}

func (d *scriptedDevice) Close() error { return nil }

func goodStatus() *ExecStatus {
	return &ExecStatus{}
}

func checkCondition(senseKey byte) *ExecStatus {

	sense := make([]byte, 18)
	sense[0] = 0x70
	sense[2] = senseKey

	return &ExecStatus{
		Status:       0x02,
		MaskedStatus: statusCheckCond,
		Sense:        sense,
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Count: 3, Short: time.Millisecond,
		Long: time.Millisecond}
}

func TestMoveMediumRetriesUnitAttention(t *testing.T) {

	attempts := 0
	dev := &scriptedDevice{
		exec: func(cdb, data []byte) *ExecStatus {
			attempts++
			if attempts < 3 {
				return checkCondition(senseUnitAttention)
			}
			return goodStatus()
		},
	}

	c := NewChanger(dev, Options{Retry: fastRetry()})

	err := c.MoveMedium(0x01, 0x1000, 0x0080)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestMoveMediumIllegalRequestNotRetried(t *testing.T) {

	attempts := 0
	dev := &scriptedDevice{
		exec: func(cdb, data []byte) *ExecStatus {
			attempts++
			return checkCondition(senseIllegalRequest)
		},
	}

	c := NewChanger(dev, Options{Retry: fastRetry()})

	err := c.MoveMedium(0x01, 0x1000, 0x0080)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	scErr := err.(*Error)
	assert.Equal(t, "illegal_request", scErr.Kind)
	assert.False(t, scErr.Retried)
	assert.Contains(t, scErr.JSON(), "illegal_request")
}

func TestMoveMediumExhaustsRetries(t *testing.T) {

	attempts := 0
	dev := &scriptedDevice{
		exec: func(cdb, data []byte) *ExecStatus {
			attempts++
			return checkCondition(senseNotReady)
		},
	}

	c := NewChanger(dev, Options{Retry: fastRetry()})

	err := c.MoveMedium(0x01, 0x1000, 0x0080)
	require.Error(t, err)
	assert.Equal(t, 4, attempts) // initial try + 3 retries
	assert.True(t, err.(*Error).Retried)
}

// elementStatusScript serves READ ELEMENT STATUS requests out of a
// synthetic slot bank, refusing windows larger than maxWindow.
func elementStatusScript(t *testing.T, firstAddr uint16, total int,
	maxWindow int) func(cdb, data []byte) *ExecStatus {

	return func(cdb, data []byte) *ExecStatus {
		require.Equal(t, byte(opReadElementStatus), cdb[0])

		first := binary.BigEndian.Uint16(cdb[2:4])
		count := int(binary.BigEndian.Uint16(cdb[4:6]))

		if count > maxWindow {
			return checkCondition(senseIllegalRequest)
		}

		var descs [][]byte
		for i := 0; i < count; i++ {
			addr := first + uint16(i)
			descs = append(descs,
				slotDescriptor(addr, false, "", 0, false))
		}

		reply := buildElementStatusReply(first, descs, 48)
		copy(data, reply)

		return goodStatus()
	}
}

func TestElementStatusWindowHalving(t *testing.T) {

	dev := &scriptedDevice{
		exec: elementStatusScript(t, 0x1000, 16, 3),
	}

	c := NewChanger(dev, Options{Retry: RetryPolicy{Count: 0,
		Short: time.Millisecond, Long: time.Millisecond}})

	// 16 elements against a library refusing windows above 3: the driver
	// must halve down until requests fit, and still produce all 16.
	out, err := c.ElementStatus(domain.ElementSlot, 0x1000, 16,
		domain.ElementStatusFlags{GetLabel: true})
	require.NoError(t, err)
	require.Len(t, out, 16)

	for i, es := range out {
		assert.Equal(t, uint16(0x1000+i), es.Address)
	}
}

func TestElementStatusChunkedByConfig(t *testing.T) {

	requests := 0
	inner := elementStatusScript(t, 0x1000, 8, 1000)
	dev := &scriptedDevice{
		exec: func(cdb, data []byte) *ExecStatus {
			requests++
			count := int(binary.BigEndian.Uint16(cdb[4:6]))
			assert.LessOrEqual(t, count, 2)
			return inner(cdb, data)
		},
	}

	c := NewChanger(dev, Options{
		Retry:         fastRetry(),
		MaxElemStatus: 2,
	})

	out, err := c.ElementStatus(domain.ElementSlot, 0x1000, 8,
		domain.ElementStatusFlags{GetLabel: true})
	require.NoError(t, err)
	assert.Len(t, out, 8)
	assert.Equal(t, 4, requests)
}
