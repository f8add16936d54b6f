package pipeline

import (
	"encoding/json"
	"fmt"
)

// Encode marshals a task or event for the broker.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return body, nil
}

// DecodeProcessingTask unmarshals and checks a processing task body.
func DecodeProcessingTask(body []byte) (ProcessingTask, error) {
	var task ProcessingTask
	if err := json.Unmarshal(body, &task); err != nil {
		return ProcessingTask{}, fmt.Errorf("%w: decode processing task: %v", ErrPermanentDelivery, err)
	}
	if task.RequestID == "" || task.URL == "" {
		return ProcessingTask{}, fmt.Errorf("%w: processing task missing request id or url", ErrPermanentDelivery)
	}
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	return task, nil
}

// DecodeEvaluationTask unmarshals and checks an evaluation task body.
func DecodeEvaluationTask(body []byte) (EvaluationTask, error) {
	var task EvaluationTask
	if err := json.Unmarshal(body, &task); err != nil {
		return EvaluationTask{}, fmt.Errorf("%w: decode evaluation task: %v", ErrPermanentDelivery, err)
	}
	if task.RequestID == "" {
		return EvaluationTask{}, fmt.Errorf("%w: evaluation task missing request id", ErrPermanentDelivery)
	}
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	return task, nil
}

// DecodeStatusEvent unmarshals and validates a relayed status event.
func DecodeStatusEvent(body []byte) (StatusEvent, error) {
	var ev StatusEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return StatusEvent{}, fmt.Errorf("%w: decode status event: %v", ErrPermanentDelivery, err)
	}
	if err := ev.Validate(); err != nil {
		return StatusEvent{}, fmt.Errorf("%w: %v", ErrPermanentDelivery, err)
	}
	return ev, nil
}
