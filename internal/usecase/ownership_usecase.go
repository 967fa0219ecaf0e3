package usecase

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/internal/infrastructure/metrics"
	"marketchat/pkg/logger"
)

type ownerEntry struct {
	sellerID string
	cachedAt time.Time
}

type productListEntry struct {
	products  []entity.Product
	fetchedAt time.Time
}

// OwnershipUseCase resolves product ownership by asking the product service on
// behalf of connected sellers. Results are cached for ttl; a ttl of zero
// disables expiry and entries only go away on invalidation.
type OwnershipUseCase struct {
	catalog repository.ProductCatalog
	sellers Presence
	ttl     time.Duration
	now     func() time.Time

	mutex       sync.RWMutex
	owners      map[string]ownerEntry
	lists       map[string]productListEntry
	generations map[string]uint64

	group singleflight.Group
}

func NewOwnershipUseCase(catalog repository.ProductCatalog, sellers Presence, ttl time.Duration) *OwnershipUseCase {
	return &OwnershipUseCase{
		catalog:     catalog,
		sellers:     sellers,
		ttl:         ttl,
		now:         time.Now,
		owners:      make(map[string]ownerEntry),
		lists:       make(map[string]productListEntry),
		generations: make(map[string]uint64),
	}
}

func (uc *OwnershipUseCase) fresh(at time.Time) bool {
	return uc.ttl <= 0 || uc.now().Sub(at) < uc.ttl
}

// FindOwner returns the id of the connected seller owning productID, or "" if
// no connected seller lists it.
func (uc *OwnershipUseCase) FindOwner(ctx context.Context, productID string) string {
	if productID == "" {
		return ""
	}

	uc.mutex.RLock()
	entry, ok := uc.owners[productID]
	uc.mutex.RUnlock()
	if ok && uc.fresh(entry.cachedAt) {
		metrics.OwnershipLookups.WithLabelValues("hit").Inc()
		return entry.sellerID
	}

	metrics.OwnershipLookups.WithLabelValues("miss").Inc()
	for _, seller := range uc.sellers.ConnectedSellers() {
		products, ok := uc.productsOf(ctx, seller, false)
		if !ok {
			continue
		}
		if containsProduct(products, productID) {
			logger.Debug("Ownership: Product %s belongs to seller %s", productID, seller.UserID)
			return seller.UserID
		}
	}

	logger.Debug("Ownership: No connected seller owns product %s", productID)
	return ""
}

// ValidateOwnership reports whether sellerID owns productID. A cache miss
// triggers a fresh fetch with the seller's own token.
func (uc *OwnershipUseCase) ValidateOwnership(ctx context.Context, sellerID, productID string) bool {
	if sellerID == "" || productID == "" {
		return false
	}

	uc.mutex.RLock()
	entry, ok := uc.owners[productID]
	uc.mutex.RUnlock()
	if ok && entry.sellerID == sellerID && uc.fresh(entry.cachedAt) {
		metrics.OwnershipLookups.WithLabelValues("hit").Inc()
		return true
	}

	metrics.OwnershipLookups.WithLabelValues("miss").Inc()
	seller, online := uc.sellers.Lookup(sellerID)
	if !online || !seller.IsSeller() {
		logger.Warn("Ownership: Cannot validate product %s for %s, seller is not connected", productID, sellerID)
		return false
	}

	products, ok := uc.productsOf(ctx, seller, true)
	if !ok {
		return false
	}
	return containsProduct(products, productID)
}

// OwnedProducts returns the product ids of a connected seller. An unreachable
// product service yields an empty set.
func (uc *OwnershipUseCase) OwnedProducts(ctx context.Context, sellerID string) map[string]struct{} {
	owned := make(map[string]struct{})

	seller, online := uc.sellers.Lookup(sellerID)
	if !online || !seller.IsSeller() {
		return owned
	}

	products, _ := uc.productsOf(ctx, seller, false)
	for _, product := range products {
		owned[product.ID.String()] = struct{}{}
	}
	return owned
}

// Refresh fetches the seller's product list again, bypassing the cache.
func (uc *OwnershipUseCase) Refresh(ctx context.Context, seller entity.Identity) {
	uc.productsOf(ctx, seller, true)
}

// InvalidateSeller drops the seller's product list and every ownership entry
// pointing at the seller.
func (uc *OwnershipUseCase) InvalidateSeller(sellerID string) {
	uc.mutex.Lock()
	defer uc.mutex.Unlock()

	uc.generations[sellerID]++
	uc.dropSellerLocked(sellerID)
	logger.Debug("Ownership: Cache invalidated for seller %s", sellerID)
}

func (uc *OwnershipUseCase) dropSellerLocked(sellerID string) {
	delete(uc.lists, sellerID)
	for productID, entry := range uc.owners {
		if entry.sellerID == sellerID {
			delete(uc.owners, productID)
		}
	}
}

// CachedSellers returns the number of cached product lists.
func (uc *OwnershipUseCase) CachedSellers() int {
	uc.mutex.RLock()
	defer uc.mutex.RUnlock()
	return len(uc.lists)
}

// CachedOwners returns the number of cached product to seller entries.
func (uc *OwnershipUseCase) CachedOwners() int {
	uc.mutex.RLock()
	defer uc.mutex.RUnlock()
	return len(uc.owners)
}

// productsOf returns the seller's product list, from cache unless force is set.
// Concurrent fetches for the same seller share one request.
func (uc *OwnershipUseCase) productsOf(ctx context.Context, seller entity.Identity, force bool) ([]entity.Product, bool) {
	uc.mutex.RLock()
	cached, ok := uc.lists[seller.UserID]
	generation := uc.generations[seller.UserID]
	uc.mutex.RUnlock()

	if !force && ok && uc.fresh(cached.fetchedAt) {
		return cached.products, true
	}

	key := seller.UserID + "#" + strconv.FormatUint(generation, 10)
	result, err, _ := uc.group.Do(key, func() (interface{}, error) {
		products, err := uc.catalog.ListBySeller(ctx, seller.UserID, seller.AuthToken)
		if err != nil {
			return nil, err
		}
		uc.store(seller.UserID, generation, products)
		return products, nil
	})
	if err != nil {
		logger.Warn("Ownership: Failed to fetch products for seller %s: %v", seller.UserID, err)
		return nil, false
	}
	return result.([]entity.Product), true
}

// store caches a fetched list unless the seller was invalidated meanwhile.
// Products claimed by another seller's cached list force that list to be
// fetched again, since a product has a single owner.
func (uc *OwnershipUseCase) store(sellerID string, generation uint64, products []entity.Product) {
	uc.mutex.Lock()
	defer uc.mutex.Unlock()

	if uc.generations[sellerID] != generation {
		logger.Debug("Ownership: Discarding stale product list for seller %s", sellerID)
		return
	}

	now := uc.now()
	for productID, entry := range uc.owners {
		if entry.sellerID == sellerID {
			delete(uc.owners, productID)
		}
	}
	for _, product := range products {
		productID := product.ID.String()
		if previous, ok := uc.owners[productID]; ok && previous.sellerID != sellerID {
			logger.Info("Ownership: Product %s moved from seller %s to %s", productID, previous.sellerID, sellerID)
			uc.dropSellerLocked(previous.sellerID)
		}
		uc.owners[productID] = ownerEntry{sellerID: sellerID, cachedAt: now}
	}
	uc.lists[sellerID] = productListEntry{products: products, fetchedAt: now}
}

func containsProduct(products []entity.Product, productID string) bool {
	for _, product := range products {
		if product.ID.String() == productID {
			return true
		}
	}
	return false
}
