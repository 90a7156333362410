package model

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// AlertTrigger is a fired alert pushed on the stream. Acknowledged is an
// external mutation the pipeline carries but never interprets.
type AlertTrigger struct {
	ID           string  `json:"id"`
	RuleID       string  `json:"ruleId"`
	RuleName     string  `json:"ruleName"`
	Kind         string  `json:"kind"`
	Message      string  `json:"message"`
	Value        float64 `json:"value"`
	Threshold    float64 `json:"threshold"`
	TriggeredAt  int64   `json:"triggeredAt"`
	Acknowledged bool    `json:"acknowledged"`
}

func (a AlertTrigger) Key() string {
	return a.ID
}

func DecodeAlert(payload []byte) (AlertTrigger, error) {
	var alert AlertTrigger
	if err := sonic.Unmarshal(payload, &alert); err != nil {
		return AlertTrigger{}, fmt.Errorf("decode alert payload: %w", err)
	}
	if alert.ID == "" {
		return AlertTrigger{}, fmt.Errorf("alert payload missing id")
	}
	return alert, nil
}
