package solclient

import "encoding/json"

// parsedTokenAccountEnvelope mirrors the shape the Solana RPC returns for
// a jsonParsed SPL token account: {"parsed":{"info":{"mint":...,
// "tokenAmount":{"uiAmount":...}}}}.
type parsedTokenAccountEnvelope struct {
	Parsed struct {
		Info struct {
			Mint        string `json:"mint"`
			TokenAmount struct {
				UiAmount float64 `json:"uiAmount"`
			} `json:"tokenAmount"`
		} `json:"info"`
	} `json:"parsed"`
}

func decodeParsedTokenAccount(raw []byte) (TokenAccount, error) {
	var env parsedTokenAccountEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return TokenAccount{}, err
	}
	return TokenAccount{
		Mint:     env.Parsed.Info.Mint,
		UiAmount: env.Parsed.Info.TokenAmount.UiAmount,
	}, nil
}
