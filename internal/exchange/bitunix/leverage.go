package bitunix

import (
	"github.com/rs/zerolog/log"
)

// Exchange codes the API returns when a requested leverage/margin-mode
// value is already in effect, or conflicts with the other setting -
// both are treated as non-fatal since the account ends up in the
// requested state (or close enough) either way.
const (
	codeAlreadySet     = 34002
	codeSettingConflict = 10007
)

func (cl *Client) ChangeLeverage(symbol string, leverage int) error {
	payload := map[string]interface{}{
		"symbol":   symbol,
		"leverage": leverage,
	}
	resp, err := cl.do("POST", "/api/v1/futures/account/change_leverage", payload)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to change leverage")
		return err
	}
	switch resp.Code {
	case 0:
		return nil
	case codeAlreadySet:
		log.Debug().Str("symbol", symbol).Msg("Non-fatal error: leverage already set to requested value")
		return nil
	case codeSettingConflict:
		log.Warn().Str("symbol", symbol).Msg("Non-fatal error: margin mode conflict")
		return nil
	default:
		respErr := respHasError(resp)
		log.Warn().Err(respErr).Msg("Failed to change leverage")
		return respErr
	}
}

func (cl *Client) ChangeMarginMode(sym, mode string) error {
	payload := map[string]string{
		"symbol":     sym,
		"marginMode": mode,
	}
	if mode == "ISOLATION" {
		payload["marginCoin"] = "USDT"
	}
	resp, err := cl.do("POST", "/api/v1/futures/account/change_margin_mode", payload)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to change margin mode")
		return err
	}
	switch resp.Code {
	case 0:
		return nil
	case codeAlreadySet:
		log.Debug().Str("symbol", sym).Msg("Non-fatal error: margin mode already set to requested value")
		return nil
	case codeSettingConflict:
		log.Warn().Str("symbol", sym).Msg("Non-fatal error: leverage/margin mode conflict")
		return nil
	default:
		respErr := respHasError(resp)
		log.Warn().Err(respErr).Msg("Failed to change margin mode")
		return respErr
	}
}
