package selector

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"finpod/internal/domain"
)

var (
	// ErrMalformedResponse means no JSON object could be decoded from the
	// model's reply.
	ErrMalformedResponse = errors.New("selector: malformed llm response")
	// ErrSchema means the reply decoded but is missing required keys or
	// names an invalid decision.
	ErrSchema = errors.New("selector: llm response failed validation")
)

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)\\n?\\s*```")

// extractJSON returns the JSON object carried by reply, either raw or inside
// a markdown code fence.
func extractJSON(reply string) (string, error) {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		return s, nil
	}
	if m := fencePattern.FindStringSubmatch(s); len(m) > 1 {
		inner := strings.TrimSpace(m[1])
		if strings.HasPrefix(inner, "{") {
			return inner, nil
		}
	}
	return "", ErrMalformedResponse
}

// llmReply mirrors the record shape without best_parameters and
// all_results. Pointers detect missing keys. The identity keys must be
// present but their values are ignored; the engine fills them from the run.
type llmReply struct {
	Symbol       *string `json:"symbol"`
	AnalysisDate *string `json:"analysis_date"`
	IndexSymbol  *string `json:"index_symbol"`

	WinningStrategy *struct {
		Name       *string  `json:"name"`
		Confidence *float64 `json:"confidence"`
		Reasoning  *string  `json:"reasoning"`
	} `json:"winning_strategy"`
	Signals *struct {
		Position     *string  `json:"position"`
		EntryPrice   *float64 `json:"entry_price"`
		TargetPrice  *float64 `json:"target_price"`
		StopLoss     *float64 `json:"stop_loss"`
		PositionSize *float64 `json:"position_size"`
	} `json:"signals"`
	MarketOutlook  *string `json:"market_outlook"`
	RiskAssessment *string `json:"risk_assessment"`
}

// parseReply decodes and validates reply against req. Winner metrics are
// copied from req.Results, never from the model's text.
func parseReply(reply string, req Request) (Decision, error) {
	raw, err := extractJSON(reply)
	if err != nil {
		return Decision{}, err
	}
	var r llmReply
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	switch {
	case r.Symbol == nil || r.AnalysisDate == nil || r.IndexSymbol == nil:
		return Decision{}, fmt.Errorf("%w: missing symbol, analysis_date or index_symbol", ErrSchema)
	case r.WinningStrategy == nil || r.WinningStrategy.Name == nil ||
		r.WinningStrategy.Confidence == nil || r.WinningStrategy.Reasoning == nil:
		return Decision{}, fmt.Errorf("%w: missing winning_strategy keys", ErrSchema)
	case r.Signals == nil || r.Signals.Position == nil || r.Signals.EntryPrice == nil ||
		r.Signals.TargetPrice == nil || r.Signals.StopLoss == nil || r.Signals.PositionSize == nil:
		return Decision{}, fmt.Errorf("%w: missing signals keys", ErrSchema)
	case r.MarketOutlook == nil || r.RiskAssessment == nil:
		return Decision{}, fmt.Errorf("%w: missing market_outlook or risk_assessment", ErrSchema)
	}

	name := strings.TrimSpace(*r.WinningStrategy.Name)
	confidence := clamp(*r.WinningStrategy.Confidence, 0, 1)
	reasoning := *r.WinningStrategy.Reasoning

	d := Decision{
		MarketOutlook:  *r.MarketOutlook,
		RiskAssessment: *r.RiskAssessment,
		Path:           PathLLM,
	}

	if name == domain.NoWinner {
		d.Winner = domain.WinningStrategy{Name: domain.NoWinner, Confidence: confidence, Reasoning: reasoning}
		d.Signals = domain.NeutralSignals(req.LastClose)
		return d, nil
	}

	res, ok := req.Results[name]
	if !ok {
		return Decision{}, fmt.Errorf("%w: unknown strategy %q", ErrSchema, name)
	}
	if res.Dormant || !(res.MaxDrawdown < req.Threshold) {
		return Decision{}, fmt.Errorf("%w: %s fails the drawdown gate (%.4f)", ErrSchema, name, res.MaxDrawdown)
	}

	sig := domain.Signals{
		Position:     domain.Position(strings.ToUpper(strings.TrimSpace(*r.Signals.Position))),
		EntryPrice:   *r.Signals.EntryPrice,
		TargetPrice:  *r.Signals.TargetPrice,
		StopLoss:     *r.Signals.StopLoss,
		PositionSize: *r.Signals.PositionSize,
	}
	for _, v := range []float64{sig.EntryPrice, sig.TargetPrice, sig.StopLoss, sig.PositionSize} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Decision{}, fmt.Errorf("%w: non-finite signal value", ErrSchema)
		}
	}
	if !sig.Consistent() {
		return Decision{}, fmt.Errorf("%w: inconsistent %s packet", ErrSchema, sig.Position)
	}

	d.Winner = domain.WinningStrategy{
		Name:           name,
		Confidence:     confidence,
		ExpectedReturn: res.ExpectedReturn,
		MaxDrawdown:    res.MaxDrawdown,
		SharpeRatio:    res.SharpeRatio,
		Reasoning:      reasoning,
	}
	d.Signals = sig
	return d, nil
}
