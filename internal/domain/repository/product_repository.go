package repository

import (
	"context"

	"marketchat/internal/domain/entity"
)

// ProductCatalog is the external product service, queried on behalf of a seller.
type ProductCatalog interface {
	ListBySeller(ctx context.Context, sellerID, authToken string) ([]entity.Product, error)
}
