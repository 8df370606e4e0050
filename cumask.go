package aqlqueue

import (
	"github.com/pkg/errors"

	"github.com/FireBurn/ROCR-Runtime/kfd"
)

// SetCUMasking restricts the compute units the queue may schedule on.
// count == 0 resets to all enabled. The caller's mask is intersected with
// the process-global policy mask for this device; reduced reports whether
// the intersection removed a bit the caller tried to enable. The operation
// still succeeds with the weaker mask.
func (q *Queue) SetCUMasking(count uint32, cuMask []uint32) (reduced bool, err error) {
	props := q.agent.Properties()
	cuCount := props.NumComputeUnits
	maskDwords := int((cuCount + 31) / 32)
	// Trims the last word of the mask to the physical CU count.
	tailMask := uint32(1)<<(cuCount%32) - 1

	globalMask := q.cfg.cuMask(props.EnumerationIndex)

	var mask []uint32
	if count == 0 {
		for i := 0; i < maskDwords; i++ {
			mask = append(mask, ^uint32(0))
		}
	} else {
		for i := 0; i < int(count/32); i++ {
			mask = append(mask, cuMask[i])
		}
	}

	if len(globalMask) > 0 {
		// Limit processing to the smallest needed word range.
		limit := minInt(len(globalMask), len(mask), maskDwords)

		// Anything enabled beyond the policy range is a reduction.
		for i := limit; i < len(mask); i++ {
			if mask[i] != 0 {
				reduced = true
				break
			}
		}

		mask = mask[:limit]
		for i := 0; i < limit; i++ {
			reduced = reduced || mask[i]&^globalMask[i] != 0
			mask[i] &= globalMask[i]
		}
	} else if len(mask) > maskDwords {
		mask = mask[:maskDwords]
	}

	if len(mask) == maskDwords && tailMask != 0 {
		mask[maskDwords-1] &= tailMask
	}

	q.maskLock.Lock()
	defer q.maskLock.Unlock()

	// Skip the driver call when this is first-time initialization with an
	// all-default mask.
	if len(q.cuMask) != 0 || count != 0 || len(globalMask) != 0 {
		st := q.client.SetQueueCUMask(q.queueID, uint32(len(mask))*32, mask)
		if st != kfd.StatusSuccess {
			return false, errors.Wrap(ErrInvalidArgument, "driver rejected cu mask")
		}
	}

	q.cuMask = mask
	return reduced, nil
}

// GetCUMasking copies the active mask into cuMask, zero-padding words beyond
// the tracked range. count is the caller's buffer size in bits.
func (q *Queue) GetCUMasking(count uint32, cuMask []uint32) error {
	q.maskLock.Lock()
	defer q.maskLock.Unlock()

	if len(q.cuMask) == 0 {
		return ErrInvalidQueue
	}

	userDwords := int(count / 32)
	if userDwords > len(cuMask) {
		return ErrInvalidArgument
	}
	if userDwords > len(q.cuMask) {
		for i := len(q.cuMask); i < userDwords; i++ {
			cuMask[i] = 0
		}
		userDwords = len(q.cuMask)
	}
	copy(cuMask[:userDwords], q.cuMask)
	return nil
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
