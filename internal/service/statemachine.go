package service

import (
	"errors"
	"fmt"

	"github.com/staydesk/backend/internal/models"
)

var ErrIllegalTransition = errors.New("illegal message transition")

// Failed -> New is only reachable through an operator requeue.
var transitions = map[models.MessageStatus][]models.MessageStatus{
	models.MessageNew:        {models.MessageProcessing},
	models.MessageProcessing: {models.MessageResponded, models.MessageEscalated, models.MessageFailed},
	models.MessageFailed:     {models.MessageNew},
}

func CanTransition(from, to models.MessageStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func Transition(from, to models.MessageStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
