package mqtt

import "errors"

// Sentinel errors for MQTT operations.
var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrNotConnected     = errors.New("mqtt: not connected")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
	ErrInvalidTopic     = errors.New("mqtt: invalid topic")
	ErrInvalidQoS       = errors.New("mqtt: invalid qos")
)
