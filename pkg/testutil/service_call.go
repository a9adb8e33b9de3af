package testutil

import "time"

// ServiceCall records a service call for testing/verification
type ServiceCall struct {
	Timestamp   time.Time
	Domain      string
	Service     string
	ServiceData map[string]any
}

// FiredEvent records a fire_event request
type FiredEvent struct {
	Timestamp time.Time
	EventType string
	EventData map[string]any
}

// FilterServiceCalls filters service calls by domain and service
func FilterServiceCalls(calls []ServiceCall, domain, service string) []ServiceCall {
	var filtered []ServiceCall
	for _, call := range calls {
		if call.Domain == domain && call.Service == service {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// FindServiceCallWithData finds the most recent service call with matching data key/value
func FindServiceCallWithData(calls []ServiceCall, domain, service, dataKey string, dataValue any) *ServiceCall {
	for i := len(calls) - 1; i >= 0; i-- {
		call := calls[i]
		if call.Domain == domain && call.Service == service {
			if val, ok := call.ServiceData[dataKey]; ok && val == dataValue {
				return &call
			}
		}
	}
	return nil
}

// FilterFiredEvents filters fired events by type
func FilterFiredEvents(fired []FiredEvent, eventType string) []FiredEvent {
	var filtered []FiredEvent
	for _, e := range fired {
		if e.EventType == eventType {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
