package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vitwit/nanopix/types"
	"github.com/vitwit/nanopix/utils"
)

// kindDecimals is the precision of the native currency of each chain kind
var kindDecimals = map[types.ChainKind]int{
	types.ChainEVM:    18,
	types.ChainSolana: 9,
	types.ChainTron:   6,
}

// rawAsset is the on-disk catalog entry. pricePol predates multi-chain
// pricing and is read as the EVM price.
type rawAsset struct {
	ID          string                     `json:"id" validate:"required,max=128"`
	Title       string                     `json:"title" validate:"required"`
	Description string                     `json:"description"`
	ThumbURL    string                     `json:"thumbUrl"`
	PreviewURL  string                     `json:"previewUrl"`
	ContentRef  string                     `json:"contentRef"`
	File        string                     `json:"file"`
	Prices      map[string]decimal.Decimal `json:"prices"`
	PricePol    *decimal.Decimal           `json:"pricePol"`
	FiatPrice   *decimal.Decimal           `json:"fiatPrice"`
}

// Catalog is an immutable, ordered set of assets
type Catalog struct {
	order  []string
	assets map[string]*types.Asset
}

// Load reads a catalog file
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapError(types.ReasonInvalidRequest, fmt.Sprintf("failed to read catalog %s", path), err)
	}
	return Parse(data)
}

// Parse decodes a catalog document. The document is either an array of
// assets or an object holding the array under "assets" or "items".
func Parse(data []byte) (*Catalog, error) {
	raws, err := decodeEntries(data)
	if err != nil {
		return nil, types.WrapError(types.ReasonInvalidRequest, "failed to parse catalog", err)
	}

	c := &Catalog{assets: make(map[string]*types.Asset, len(raws))}
	for i := range raws {
		asset, err := raws[i].toAsset()
		if err != nil {
			return nil, types.WrapError(types.ReasonInvalidRequest, fmt.Sprintf("catalog entry %d", i), err)
		}
		if _, dup := c.assets[asset.ID]; dup {
			return nil, types.Errorf(types.ReasonInvalidRequest, "asset %q listed twice", asset.ID)
		}
		c.assets[asset.ID] = asset
		c.order = append(c.order, asset.ID)
	}
	return c, nil
}

// New builds a catalog from assets already in memory
func New(assets ...types.Asset) (*Catalog, error) {
	c := &Catalog{assets: make(map[string]*types.Asset, len(assets))}
	for i := range assets {
		a := assets[i]
		if a.ID == "" {
			return nil, types.Errorf(types.ReasonInvalidRequest, "asset %d has no id", i)
		}
		if _, dup := c.assets[a.ID]; dup {
			return nil, types.Errorf(types.ReasonInvalidRequest, "asset %q listed twice", a.ID)
		}
		if a.ContentRef == "" {
			a.ContentRef = a.ID
		}
		c.assets[a.ID] = &a
		c.order = append(c.order, a.ID)
	}
	return c, nil
}

func decodeEntries(data []byte) ([]rawAsset, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document")
	}

	if data[0] == '[' {
		var list []rawAsset
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var wrapped struct {
		Assets []rawAsset `json:"assets"`
		Items  []rawAsset `json:"items"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Assets != nil {
		return wrapped.Assets, nil
	}
	return wrapped.Items, nil
}

func (r *rawAsset) toAsset() (*types.Asset, error) {
	if err := utils.ValidateStruct(r); err != nil {
		return nil, err
	}

	prices := make(map[types.ChainKind]decimal.Decimal, len(r.Prices)+1)
	for k, p := range r.Prices {
		kind, err := types.ParseChainKind(k)
		if err != nil {
			return nil, fmt.Errorf("asset %q: %w", r.ID, err)
		}
		prices[kind] = p
	}
	if r.PricePol != nil {
		if _, ok := prices[types.ChainEVM]; !ok {
			prices[types.ChainEVM] = *r.PricePol
		}
	}

	for kind, p := range prices {
		if _, err := utils.ToMinorUnits(p, kindDecimals[kind]); err != nil {
			return nil, fmt.Errorf("asset %q %s price: %w", r.ID, kind, err)
		}
	}

	ref := r.ContentRef
	if ref == "" {
		ref = r.File
	}
	if ref == "" {
		ref = r.ID
	}

	return &types.Asset{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		ThumbURL:    r.ThumbURL,
		PreviewURL:  r.PreviewURL,
		ContentRef:  ref,
		Prices:      prices,
		FiatPrice:   r.FiatPrice,
	}, nil
}

// Lookup returns the asset with the given id or an AssetUnknown error
func (c *Catalog) Lookup(id string) (*types.Asset, error) {
	a, ok := c.assets[id]
	if !ok {
		return nil, types.WrapError(types.ReasonAssetUnknown, fmt.Sprintf("asset %q is not in the catalog", id), types.ErrAssetUnknown)
	}
	cp := *a
	return &cp, nil
}

// List returns the assets in catalog order
func (c *Catalog) List() []types.Asset {
	out := make([]types.Asset, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.assets[id])
	}
	return out
}

// Kinds returns the chain kinds at least one asset is priced in
func (c *Catalog) Kinds() []types.ChainKind {
	seen := make(map[types.ChainKind]bool)
	for _, a := range c.assets {
		for k := range a.Prices {
			seen[k] = true
		}
	}
	out := make([]types.ChainKind, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Catalog) Len() int {
	return len(c.order)
}

// MinorUnitPrice converts the asset's native price on network into integer
// minor units (wei, lamports, sun).
func MinorUnitPrice(asset *types.Asset, network types.Network) (*big.Int, error) {
	params, ok := types.LookupNetwork(network)
	if !ok {
		return nil, types.Errorf(types.ReasonChainUnsupported, "unknown network %s", network)
	}
	price, ok := asset.Price(params.Kind)
	if !ok {
		return nil, types.Errorf(types.ReasonInvalidAmount, "asset %q has no %s price", asset.ID, params.Kind)
	}
	amount, err := utils.ToMinorUnits(price, params.Currency.Decimals)
	if err != nil {
		return nil, types.WrapError(types.ReasonInvalidAmount, "", err)
	}
	return amount, nil
}
