package kubernetes

import (
	"errors"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/otterscale/otterscale-mirror/internal/core"
)

// statusReasonToInvocationKind maps Kubernetes StatusReason values to
// invocation error kinds. Reasons not listed are InvocationOther. This
// keeps the Kubernetes-specific mapping inside the adapter layer.
var statusReasonToInvocationKind = map[metav1.StatusReason]core.InvocationErrorKind{
	metav1.StatusReasonExpired: core.InvocationDesync,
	metav1.StatusReasonGone:    core.InvocationDesync,
}

// invalidOptionReasons are answers to malformed request options.
var invalidOptionReasons = map[metav1.StatusReason]struct{}{
	metav1.StatusReasonBadRequest: {},
	metav1.StatusReasonInvalid:    {},
}

// wrapK8sError converts an error from a list or watch call into the
// domain taxonomy: *core.ErrInvalidOptions for rejected options, or a
// *core.InvocationError classified by status reason. Errors that carry
// no API status are InvocationOther.
func wrapK8sError(err error) error {
	if err == nil {
		return nil
	}

	var apiStatus apierrors.APIStatus
	if !errors.As(err, &apiStatus) {
		return core.NewInvocationError(err)
	}

	status := apiStatus.Status()
	if _, ok := invalidOptionReasons[status.Reason]; ok {
		return &core.ErrInvalidOptions{Message: status.Message}
	}

	kind, ok := statusReasonToInvocationKind[status.Reason]
	if !ok {
		kind = core.InvocationOther
	}
	return &core.InvocationError{Kind: kind, Err: err}
}

// wrapStreamError classifies an error reported inside an established
// stream. Desync keeps its invocation classification so the reflector
// resyncs; anything else ends the stream as a *core.StreamError.
func wrapStreamError(err error) error {
	if wrapped := wrapK8sError(err); core.IsDesync(wrapped) {
		return wrapped
	}
	return &core.StreamError{Err: err}
}
