package alerting

import (
	"github.com/meshgov/warden/internal/clock"
	"github.com/meshgov/warden/internal/dispatch"
	"github.com/meshgov/warden/internal/models"
	"github.com/meshgov/warden/internal/remediation"
)

type eventKind int

const (
	evCreate eventKind = iota
	evMerge
	evAck
	evResolve
	evTimer
	evNotification
	evRemediation
	evApproval
)

func (k eventKind) String() string {
	switch k {
	case evCreate:
		return "create"
	case evMerge:
		return "merge"
	case evAck:
		return "ack"
	case evResolve:
		return "resolve"
	case evTimer:
		return "timer"
	case evNotification:
		return "notification"
	case evRemediation:
		return "remediation"
	case evApproval:
		return "approval"
	}
	return "unknown"
}

// event is the union type flowing through the engine shards. alertID is
// always set and determines the shard, so all events for one alert are
// serialized.
type event struct {
	kind    eventKind
	alertID string

	ingress  *models.IngressEvent // create, merge
	corrKey  string               // create
	by       string               // ack, approval
	reason   string               // resolve
	token    clock.Token          // timer
	notif    dispatch.Result      // notification
	rem      remediation.Result   // remediation
	execID   string               // approval
	approved bool                 // approval
}
