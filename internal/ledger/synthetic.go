package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/solace-ledger/solace/internal/access"
	"github.com/solace-ledger/solace/internal/synthetic"
)

// DeploySynthetic adds a synthetic asset to the catalog. Requires MIRROR.
func (e *Engine) DeploySynthetic(ctx context.Context, caller string, asset synthetic.Asset) (synthetic.Asset, error) {
	var deployed synthetic.Asset
	err := e.execute(ctx, "deploy_synthetic", false, func(tx *txn) error {
		sender, err := NormalizeIdentity(caller)
		if err != nil {
			return err
		}
		if err := e.require(access.RoleMirror, sender); err != nil {
			return err
		}
		a, err := asset.Normalize()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAsset, err)
		}
		if e.catalog.Has(a.Symbol) {
			return fmt.Errorf("%w: %s", ErrAssetExists, a.Symbol)
		}
		a.CreatedBy = sender
		a.CreatedAt = tx.now
		tx.synthetics = append(tx.synthetics, a)
		deployed = a
		tx.emit(EventSyntheticDeployed, map[string]string{
			"symbol":     a.Symbol,
			"name":       a.Name,
			"category":   a.Category.String(),
			"underlying": a.Underlying,
			"oracle":     a.Oracle,
			"sender":     sender,
		})
		return nil
	})
	if err != nil {
		return synthetic.Asset{}, err
	}
	return deployed, nil
}

// SyntheticBySymbol returns the asset registered under symbol.
func (e *Engine) SyntheticBySymbol(symbol string) (synthetic.Asset, bool) {
	return e.catalog.BySymbol(strings.TrimSpace(symbol))
}

// SyntheticsByCategory returns the assets of category in deployment order.
func (e *Engine) SyntheticsByCategory(category synthetic.Category) []synthetic.Asset {
	return e.catalog.ByCategory(category)
}

// Synthetics returns every deployed asset.
func (e *Engine) Synthetics() []synthetic.Asset {
	return e.catalog.All()
}
