package strategy

import (
	"encoding/json"
	"fmt"
	"sort"

	"trading-engine/internal/indicator"
)

// decodeParams overlays a generic parameter map onto dst. Keys absent from
// the map keep their current value; unknown keys are ignored. The JSON
// round trip gives the same numeric coercion rules for YAML, JSON and API
// sources.
func decodeParams(overlay map[string]any, dst any) error {
	if len(overlay) == 0 {
		return nil
	}
	b, err := json.Marshal(overlay)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// paramsMap renders a params struct as the generic map form used by the
// config surface and snapshots.
func paramsMap(p any) map[string]any {
	b, err := json.Marshal(p)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func validateCommon(positionSize, stopLossPct, takeProfitPct float64) error {
	if positionSize <= 0 || positionSize > 1 {
		return fmt.Errorf("positionSize %.4f out of range (0, 1]", positionSize)
	}
	if stopLossPct < 0 {
		return fmt.Errorf("stopLossPercent %.2f must not be negative", stopLossPct)
	}
	if takeProfitPct < 0 {
		return fmt.Errorf("takeProfitPercent %.2f must not be negative", takeProfitPct)
	}
	return nil
}

// MACDParams is the full configuration of a MACD strategy.
type MACDParams struct {
	FastPeriod               int     `json:"fastPeriod"`
	SlowPeriod               int     `json:"slowPeriod"`
	SignalPeriod             int     `json:"signalPeriod"`
	HistogramThreshold       float64 `json:"histogramThreshold"`
	PositionSize             float64 `json:"positionSize"`
	StopLossPercent          float64 `json:"stopLossPercent"`
	TakeProfitPercent        float64 `json:"takeProfitPercent"`
	UseDivergence            bool    `json:"useDivergence"`
	UseHistogramAnalysis     bool    `json:"useHistogramAnalysis"`
	UseZeroLineCross         bool    `json:"useZeroLineCross"`
	MinHistogramChange       float64 `json:"minHistogramChange"`
	TrendConfirmationPeriods int     `json:"trendConfirmationPeriods"`
	DivergenceLookback       int     `json:"divergenceLookback"`
}

// DefaultMACDParams returns the standard 12/26/9 setup.
func DefaultMACDParams() MACDParams {
	return MACDParams{
		FastPeriod:               12,
		SlowPeriod:               26,
		SignalPeriod:             9,
		HistogramThreshold:       0.001,
		PositionSize:             0.1,
		StopLossPercent:          2.0,
		TakeProfitPercent:        4.0,
		UseDivergence:            true,
		UseHistogramAnalysis:     true,
		UseZeroLineCross:         true,
		MinHistogramChange:       0.0005,
		TrendConfirmationPeriods: 3,
		DivergenceLookback:       20,
	}
}

func (p MACDParams) Validate() error {
	if err := p.indicatorConfig().Validate(); err != nil {
		return err
	}
	return validateCommon(p.PositionSize, p.StopLossPercent, p.TakeProfitPercent)
}

func (p MACDParams) indicatorConfig() indicator.MACDConfig {
	return indicator.MACDConfig{
		FastPeriod:               p.FastPeriod,
		SlowPeriod:               p.SlowPeriod,
		SignalPeriod:             p.SignalPeriod,
		MinHistogramChange:       p.MinHistogramChange,
		TrendConfirmationPeriods: p.TrendConfirmationPeriods,
		DivergenceLookback:       p.DivergenceLookback,
		UseZeroLineCross:         p.UseZeroLineCross,
		UseHistogramAnalysis:     p.UseHistogramAnalysis,
		UseDivergence:            p.UseDivergence,
	}
}

// RSIParams is the full configuration of an RSI strategy.
type RSIParams struct {
	RSIPeriod           int     `json:"rsiPeriod"`
	OversoldThreshold   float64 `json:"oversoldThreshold"`
	OverboughtThreshold float64 `json:"overboughtThreshold"`
	ExtremeOversold     float64 `json:"extremeOversold"`
	ExtremeOverbought   float64 `json:"extremeOverbought"`
	PositionSize        float64 `json:"positionSize"`
	StopLossPercent     float64 `json:"stopLossPercent"`
	TakeProfitPercent   float64 `json:"takeProfitPercent"`
	UseDivergence       bool    `json:"useDivergence"`
	RSIChangeThreshold  float64 `json:"rsiChangeThreshold"`
	DivergenceLookback  int     `json:"divergenceLookback"`
	MinPeriods          int     `json:"minPeriods"`
}

// DefaultRSIParams returns the standard 14-period setup.
func DefaultRSIParams() RSIParams {
	return RSIParams{
		RSIPeriod:           14,
		OversoldThreshold:   30,
		OverboughtThreshold: 70,
		ExtremeOversold:     20,
		ExtremeOverbought:   80,
		PositionSize:        0.1,
		StopLossPercent:     2.0,
		TakeProfitPercent:   4.0,
		UseDivergence:       true,
		RSIChangeThreshold:  5.0,
		DivergenceLookback:  20,
		MinPeriods:          20,
	}
}

func (p RSIParams) Validate() error {
	if err := p.indicatorConfig().Validate(); err != nil {
		return err
	}
	if p.RSIChangeThreshold < 0 {
		return fmt.Errorf("rsiChangeThreshold %.2f must not be negative", p.RSIChangeThreshold)
	}
	return validateCommon(p.PositionSize, p.StopLossPercent, p.TakeProfitPercent)
}

func (p RSIParams) indicatorConfig() indicator.RSIConfig {
	return indicator.RSIConfig{
		Period:             p.RSIPeriod,
		Oversold:           p.OversoldThreshold,
		Overbought:         p.OverboughtThreshold,
		ExtremeOversold:    p.ExtremeOversold,
		ExtremeOverbought:  p.ExtremeOverbought,
		ChangeThreshold:    p.RSIChangeThreshold,
		DivergenceLookback: p.DivergenceLookback,
		MinPeriods:         p.MinPeriods,
		UseDivergence:      p.UseDivergence,
	}
}

// SMAParams is the full configuration of an SMA strategy.
type SMAParams struct {
	FastPeriod        int     `json:"fastPeriod"`
	SlowPeriod        int     `json:"slowPeriod"`
	LongPeriod        int     `json:"longPeriod"`
	PositionSize      float64 `json:"positionSize"`
	StopLossPercent   float64 `json:"stopLossPercent"`
	TakeProfitPercent float64 `json:"takeProfitPercent"`
	UseTripleMA       bool    `json:"useTripleMA"`
	UseSlopeFilter    bool    `json:"useSlopeFilter"`
	MinSlope          float64 `json:"minSlope"`
	UseVolumeFilter   bool    `json:"useVolumeFilter"`
	VolumeThreshold   float64 `json:"volumeThreshold"`
}

// DefaultSMAParams returns the standard 10/20/50 dual-MA setup.
func DefaultSMAParams() SMAParams {
	return SMAParams{
		FastPeriod:        10,
		SlowPeriod:        20,
		LongPeriod:        50,
		PositionSize:      0.1,
		StopLossPercent:   2.0,
		TakeProfitPercent: 4.0,
		UseTripleMA:       false,
		UseSlopeFilter:    true,
		MinSlope:          0.001,
		UseVolumeFilter:   false,
		VolumeThreshold:   1.5,
	}
}

func (p SMAParams) Validate() error {
	if err := p.indicatorConfig().Validate(); err != nil {
		return err
	}
	if p.UseVolumeFilter && p.VolumeThreshold <= 0 {
		return fmt.Errorf("volumeThreshold %.2f must be positive", p.VolumeThreshold)
	}
	return validateCommon(p.PositionSize, p.StopLossPercent, p.TakeProfitPercent)
}

func (p SMAParams) indicatorConfig() indicator.SMAConfig {
	return indicator.SMAConfig{
		FastPeriod:      p.FastPeriod,
		SlowPeriod:      p.SlowPeriod,
		LongPeriod:      p.LongPeriod,
		UseTripleMA:     p.UseTripleMA,
		UseSlopeFilter:  p.UseSlopeFilter,
		MinSlope:        p.MinSlope,
		UseVolumeFilter: p.UseVolumeFilter,
		VolumeThreshold: p.VolumeThreshold,
	}
}

// MACDPresets returns the named MACD parameter sets. Each starts from the
// default setup with the preset's overrides applied.
func MACDPresets() map[string]MACDParams {
	presets := map[string]MACDParams{}
	put := func(name string, mod func(*MACDParams)) {
		p := DefaultMACDParams()
		mod(&p)
		presets[name] = p
	}
	put("default", func(p *MACDParams) {})
	put("scalping", func(p *MACDParams) {
		p.FastPeriod, p.SlowPeriod, p.SignalPeriod = 5, 13, 5
		p.HistogramThreshold = 0.0005
		p.PositionSize = 0.05
		p.StopLossPercent, p.TakeProfitPercent = 0.5, 1.0
		p.MinHistogramChange = 0.0002
		p.UseDivergence = false
	})
	put("swing", func(p *MACDParams) {
		p.HistogramThreshold = 0.002
		p.PositionSize = 0.15
		p.StopLossPercent, p.TakeProfitPercent = 3.0, 6.0
		p.TrendConfirmationPeriods = 5
	})
	put("trendFollowing", func(p *MACDParams) {
		p.FastPeriod, p.SlowPeriod, p.SignalPeriod = 8, 21, 5
		p.HistogramThreshold = 0.0015
		p.PositionSize = 0.12
		p.StopLossPercent, p.TakeProfitPercent = 2.5, 5.0
	})
	put("divergence", func(p *MACDParams) {
		p.UseHistogramAnalysis = false
		p.UseZeroLineCross = false
	})
	put("histogram", func(p *MACDParams) {
		p.HistogramThreshold = 0.0005
		p.PositionSize = 0.08
		p.StopLossPercent, p.TakeProfitPercent = 1.5, 3.0
		p.MinHistogramChange = 0.0003
		p.UseDivergence = false
	})
	put("conservative", func(p *MACDParams) {
		p.HistogramThreshold = 0.002
		p.PositionSize = 0.05
		p.StopLossPercent, p.TakeProfitPercent = 1.5, 3.0
		p.TrendConfirmationPeriods = 5
		p.MinHistogramChange = 0.001
	})
	put("aggressive", func(p *MACDParams) {
		p.FastPeriod, p.SlowPeriod, p.SignalPeriod = 8, 17, 5
		p.HistogramThreshold = 0.0005
		p.PositionSize = 0.2
		p.StopLossPercent, p.TakeProfitPercent = 3.0, 6.0
		p.MinHistogramChange = 0.0002
		p.TrendConfirmationPeriods = 2
	})
	put("crypto", func(p *MACDParams) {
		p.HistogramThreshold = 0.002
		p.StopLossPercent, p.TakeProfitPercent = 3.0, 6.0
		p.MinHistogramChange = 0.001
	})
	put("forex", func(p *MACDParams) {
		p.HistogramThreshold = 0.0005
		p.StopLossPercent, p.TakeProfitPercent = 1.0, 2.0
		p.MinHistogramChange = 0.0002
	})
	put("stock", func(p *MACDParams) {
		p.StopLossPercent, p.TakeProfitPercent = 2.5, 5.0
	})
	return presets
}

// RSIPresets returns the named RSI parameter sets.
func RSIPresets() map[string]RSIParams {
	presets := map[string]RSIParams{}
	put := func(name string, mod func(*RSIParams)) {
		p := DefaultRSIParams()
		mod(&p)
		presets[name] = p
	}
	put("default", func(p *RSIParams) {})
	put("scalping", func(p *RSIParams) {
		p.RSIPeriod = 7
		p.OversoldThreshold, p.OverboughtThreshold = 25, 75
		p.ExtremeOversold, p.ExtremeOverbought = 15, 85
		p.PositionSize = 0.05
		p.StopLossPercent, p.TakeProfitPercent = 0.5, 1.0
		p.RSIChangeThreshold = 3.0
		p.UseDivergence = false
	})
	put("swing", func(p *RSIParams) {
		p.RSIPeriod = 21
		p.OversoldThreshold, p.OverboughtThreshold = 35, 65
		p.ExtremeOversold, p.ExtremeOverbought = 25, 75
		p.PositionSize = 0.15
		p.StopLossPercent, p.TakeProfitPercent = 3.0, 6.0
	})
	put("conservative", func(p *RSIParams) {
		p.OversoldThreshold, p.OverboughtThreshold = 25, 75
		p.ExtremeOversold, p.ExtremeOverbought = 15, 85
		p.PositionSize = 0.08
		p.StopLossPercent, p.TakeProfitPercent = 1.5, 3.0
		p.RSIChangeThreshold = 8.0
	})
	put("aggressive", func(p *RSIParams) {
		p.RSIPeriod = 10
		p.OversoldThreshold, p.OverboughtThreshold = 35, 65
		p.ExtremeOversold, p.ExtremeOverbought = 25, 75
		p.PositionSize = 0.2
		p.StopLossPercent, p.TakeProfitPercent = 3.0, 6.0
		p.RSIChangeThreshold = 3.0
	})
	put("meanReversion", func(p *RSIParams) {
		p.PositionSize = 0.12
		p.StopLossPercent, p.TakeProfitPercent = 2.5, 5.0
		p.UseDivergence = false
	})
	put("divergence", func(p *RSIParams) {
		p.OversoldThreshold, p.OverboughtThreshold = 40, 60
		p.ExtremeOversold, p.ExtremeOverbought = 30, 70
		p.RSIChangeThreshold = 10.0
	})
	put("crypto", func(p *RSIParams) {
		p.OversoldThreshold, p.OverboughtThreshold = 25, 75
		p.StopLossPercent, p.TakeProfitPercent = 3.0, 6.0
	})
	put("forex", func(p *RSIParams) {
		p.StopLossPercent, p.TakeProfitPercent = 1.0, 2.0
		p.RSIChangeThreshold = 3.0
	})
	put("stock", func(p *RSIParams) {
		p.StopLossPercent, p.TakeProfitPercent = 2.5, 5.0
	})
	return presets
}

// SMAPresets returns the named SMA parameter sets.
func SMAPresets() map[string]SMAParams {
	presets := map[string]SMAParams{}
	put := func(name string, mod func(*SMAParams)) {
		p := DefaultSMAParams()
		mod(&p)
		presets[name] = p
	}
	put("default", func(p *SMAParams) {})
	put("scalping", func(p *SMAParams) {
		p.FastPeriod, p.SlowPeriod, p.LongPeriod = 5, 10, 20
		p.PositionSize = 0.05
		p.StopLossPercent, p.TakeProfitPercent = 0.5, 1.0
		p.MinSlope = 0.002
		p.UseVolumeFilter = true
		p.VolumeThreshold = 2.0
	})
	put("swing", func(p *SMAParams) {
		p.FastPeriod, p.SlowPeriod, p.LongPeriod = 20, 50, 100
		p.PositionSize = 0.15
		p.StopLossPercent, p.TakeProfitPercent = 3.0, 6.0
		p.UseTripleMA = true
		p.MinSlope = 0.0005
	})
	put("trend", func(p *SMAParams) {
		p.FastPeriod, p.SlowPeriod, p.LongPeriod = 50, 100, 200
		p.PositionSize = 0.2
		p.StopLossPercent, p.TakeProfitPercent = 5.0, 10.0
		p.UseTripleMA = true
		p.MinSlope = 0.0001
	})
	put("breakout", func(p *SMAParams) {
		p.FastPeriod, p.SlowPeriod, p.LongPeriod = 10, 30, 60
		p.StopLossPercent, p.TakeProfitPercent = 2.5, 5.0
		p.MinSlope = 0.002
		p.UseVolumeFilter = true
	})
	put("pullback", func(p *SMAParams) {
		p.FastPeriod, p.SlowPeriod, p.LongPeriod = 15, 30, 60
		p.PositionSize = 0.08
		p.StopLossPercent, p.TakeProfitPercent = 1.5, 3.0
		p.UseTripleMA = true
	})
	put("tripleMA", func(p *SMAParams) {
		p.FastPeriod, p.SlowPeriod, p.LongPeriod = 12, 26, 50
		p.PositionSize = 0.12
		p.StopLossPercent, p.TakeProfitPercent = 2.5, 5.0
		p.UseTripleMA = true
	})
	put("crypto", func(p *SMAParams) {
		p.StopLossPercent, p.TakeProfitPercent = 3.0, 6.0
		p.UseVolumeFilter = true
		p.VolumeThreshold = 1.8
	})
	put("forex", func(p *SMAParams) {
		p.StopLossPercent, p.TakeProfitPercent = 1.0, 2.0
		p.MinSlope = 0.0005
	})
	put("stock", func(p *SMAParams) {
		p.FastPeriod, p.SlowPeriod = 20, 50
		p.StopLossPercent, p.TakeProfitPercent = 2.5, 5.0
	})
	put("commodity", func(p *SMAParams) {
		p.FastPeriod, p.SlowPeriod = 15, 35
		p.StopLossPercent, p.TakeProfitPercent = 3.5, 7.0
	})
	return presets
}

// PresetParams resolves a named preset of a strategy family into the
// generic map form used by Configure and the config files.
func PresetParams(kind, preset string) (map[string]any, error) {
	switch kind {
	case "macd":
		if p, ok := MACDPresets()[preset]; ok {
			return paramsMap(p), nil
		}
	case "rsi":
		if p, ok := RSIPresets()[preset]; ok {
			return paramsMap(p), nil
		}
	case "sma":
		if p, ok := SMAPresets()[preset]; ok {
			return paramsMap(p), nil
		}
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", kind)
	}
	return nil, fmt.Errorf("unknown %s preset %q", kind, preset)
}

// PresetNames lists the presets of one family, sorted.
func PresetNames(kind string) []string {
	var names []string
	switch kind {
	case "macd":
		for name := range MACDPresets() {
			names = append(names, name)
		}
	case "rsi":
		for name := range RSIPresets() {
			names = append(names, name)
		}
	case "sma":
		for name := range SMAPresets() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
