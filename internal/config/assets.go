package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/lumenpay/lumenpay/internal/domain/model"
	"gopkg.in/yaml.v3"
)

const (
	usdcTestnetIssuer = "GBBD47IF6LWK7P7MDEVSCWR7DPUWV3NY3DTQEVFL4NAT4AQH3ZLLFLA5"
	usdcMainnetIssuer = "GA5ZSEJYB37JRC5AVCIA5MOP4RHTM335X2KGX3IHOJAPP5RE34K4KZVN"
)

// assetsFile is the on-disk layout of ASSETS_FILE.
//
//	assets:
//	  - code: USDC
//	    issuer: G...
//	kyc_limits:
//	  0: {XLM: "500", USDC: "100"}
//	  1: {XLM: "5000", USDC: "1000"}
type assetsFile struct {
	Assets    []model.Asset             `yaml:"assets"`
	KYCLimits map[int]map[string]string `yaml:"kyc_limits"`
}

// AssetRegistry resolves asset codes to issued assets and holds the rolling
// 24h spending ceilings per KYC level.
type AssetRegistry struct {
	assets map[string]model.Asset
	limits map[int]map[string]model.Amount
}

func defaultAssetsFile(network model.Network) assetsFile {
	issuer := usdcTestnetIssuer
	if network == model.NetworkMainnet {
		issuer = usdcMainnetIssuer
	}
	return assetsFile{
		Assets: []model.Asset{{Code: "USDC", Issuer: issuer}},
		KYCLimits: map[int]map[string]string{
			0: {"XLM": "500", "USDC": "100"},
			1: {"XLM": "5000", "USDC": "1000"},
			2: {"XLM": "100000", "USDC": "25000"},
		},
	}
}

// LoadAssetRegistry reads path when set and falls back to built-in defaults.
func LoadAssetRegistry(path string, network model.Network) (*AssetRegistry, error) {
	file := defaultAssetsFile(network)
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read assets file: %w", err)
		}
		file = assetsFile{}
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("parse assets file %s: %w", path, err)
		}
	}
	return newAssetRegistry(file)
}

func newAssetRegistry(file assetsFile) (*AssetRegistry, error) {
	r := &AssetRegistry{
		assets: map[string]model.Asset{model.NativeAssetCode: model.NativeAsset()},
		limits: make(map[int]map[string]model.Amount),
	}
	for _, a := range file.Assets {
		code := strings.ToUpper(strings.TrimSpace(a.Code))
		if code == "" || code == model.NativeAssetCode {
			return nil, fmt.Errorf("asset registry: invalid issued asset code %q", a.Code)
		}
		if len(code) > 12 {
			return nil, fmt.Errorf("asset registry: asset code %q longer than 12 characters", code)
		}
		if a.Issuer == "" {
			return nil, fmt.Errorf("asset registry: asset %s has no issuer", code)
		}
		r.assets[code] = model.Asset{Code: code, Issuer: a.Issuer}
	}
	for level, perAsset := range file.KYCLimits {
		if level < 0 {
			return nil, fmt.Errorf("asset registry: negative kyc level %d", level)
		}
		r.limits[level] = make(map[string]model.Amount, len(perAsset))
		for code, raw := range perAsset {
			code = strings.ToUpper(code)
			if _, ok := r.assets[code]; !ok {
				return nil, fmt.Errorf("asset registry: kyc limit for unknown asset %s", code)
			}
			amt, err := model.ParseAmount(raw)
			if err != nil {
				return nil, fmt.Errorf("asset registry: kyc level %d limit %s: %w", level, code, err)
			}
			r.limits[level][code] = amt
		}
	}
	return r, nil
}

// Resolve maps a symbolic code to the configured asset.
func (r *AssetRegistry) Resolve(code string) (model.Asset, bool) {
	a, ok := r.assets[strings.ToUpper(strings.TrimSpace(code))]
	return a, ok
}

// Known reports whether asset is the native asset or a configured issued asset.
func (r *AssetRegistry) Known(asset model.Asset) bool {
	if asset.IsNative() {
		return true
	}
	a, ok := r.assets[strings.ToUpper(asset.Code)]
	return ok && a.Issuer == asset.Issuer
}

// Limit returns the rolling 24h ceiling for kycLevel in asset. Levels above
// the highest configured level use the highest one.
func (r *AssetRegistry) Limit(kycLevel int, asset model.Asset) (model.Amount, bool) {
	best := -1
	for level := range r.limits {
		if level <= kycLevel && level > best {
			best = level
		}
	}
	if best < 0 {
		return 0, false
	}
	amt, ok := r.limits[best][strings.ToUpper(asset.Code)]
	return amt, ok
}
