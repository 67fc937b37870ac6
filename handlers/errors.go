package handlers

import "errors"

var (
	errBrokerDisconnected = errors.New("broker disconnected")
	errAlertQueueFull     = errors.New("alert queue full")
)
