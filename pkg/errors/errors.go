package errors

import (
	"github.com/pingcap/errors"
)

// placement errors
var (
	ErrRemoteTypeAborted = errors.Normalize(
		"cannot resolve remote type for principal %s",
		errors.RFCCodeText("DFLOW:ErrRemoteTypeAborted"),
	)
	ErrHostNotFound = errors.Normalize(
		"no eligible host for remote type %q",
		errors.RFCCodeText("DFLOW:ErrHostNotFound"),
	)
	ErrProcessAcquisitionFailed = errors.Normalize(
		"failed to acquire a process for remote type %q",
		errors.RFCCodeText("DFLOW:ErrProcessAcquisitionFailed"),
	)
	ErrConstructorSendFailed = errors.Normalize(
		"failed to send worker constructor to host process %d",
		errors.RFCCodeText("DFLOW:ErrConstructorSendFailed"),
	)
	ErrCreationRejected = errors.Normalize(
		"host rejected creation of worker %s",
		errors.RFCCodeText("DFLOW:ErrCreationRejected"),
	)
	ErrHostDiedBeforeCreated = errors.Normalize(
		"host died before worker %s was created",
		errors.RFCCodeText("DFLOW:ErrHostDiedBeforeCreated"),
	)
	ErrSchedulerClosed = errors.Normalize(
		"scheduler has been closed",
		errors.RFCCodeText("DFLOW:ErrSchedulerClosed"),
	)
	ErrPlacementNotAllowed = errors.Normalize(
		"worker %s with remote type %q is not allowed in this process",
		errors.RFCCodeText("DFLOW:ErrPlacementNotAllowed"),
	)
)

// process service errors
var (
	ErrProcessLimitReached = errors.Normalize(
		"process limit %d reached",
		errors.RFCCodeText("DFLOW:ErrProcessLimitReached"),
	)
	ErrProcessSpawnThrottled = errors.Normalize(
		"process spawn for remote type %q throttled",
		errors.RFCCodeText("DFLOW:ErrProcessSpawnThrottled"),
	)
	ErrProcessShuttingDown = errors.Normalize(
		"process %d is shutting down",
		errors.RFCCodeText("DFLOW:ErrProcessShuttingDown"),
	)
	ErrProcessServiceClosed = errors.Normalize(
		"process service has been closed",
		errors.RFCCodeText("DFLOW:ErrProcessServiceClosed"),
	)
)

// transport errors
var (
	ErrChannelClosed = errors.Normalize(
		"channel %s has been closed",
		errors.RFCCodeText("DFLOW:ErrChannelClosed"),
	)
	ErrLoopClosed = errors.Normalize(
		"loop %s has been closed",
		errors.RFCCodeText("DFLOW:ErrLoopClosed"),
	)
	ErrUnknownMessage = errors.Normalize(
		"unknown message type %s",
		errors.RFCCodeText("DFLOW:ErrUnknownMessage"),
	)
)

// config errors
var (
	ErrConfigDecodeFile = errors.Normalize(
		"fail to decode config file",
		errors.RFCCodeText("DFLOW:ErrConfigDecodeFile"),
	)
	ErrConfigUnknownItem = errors.Normalize(
		"unknown config items: %s",
		errors.RFCCodeText("DFLOW:ErrConfigUnknownItem"),
	)
	ErrConfigInvalid = errors.Normalize(
		"invalid config: %s",
		errors.RFCCodeText("DFLOW:ErrConfigInvalid"),
	)
)

// Wrap wraps err with the given normalized error. It returns nil if err is nil.
func Wrap(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByCause(args...)
}
