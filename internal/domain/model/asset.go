package model

import "strings"

const NativeAssetCode = "XLM"

// Asset is a ledger asset. Issuer is empty for the native asset.
type Asset struct {
	Code   string `yaml:"code" json:"code"`
	Issuer string `yaml:"issuer" json:"issuer,omitempty"`
}

func NativeAsset() Asset {
	return Asset{Code: NativeAssetCode}
}

func (a Asset) IsNative() bool {
	return a.Issuer == "" && strings.EqualFold(a.Code, NativeAssetCode)
}

func (a Asset) String() string {
	if a.IsNative() {
		return NativeAssetCode
	}
	return a.Code + ":" + a.Issuer
}
