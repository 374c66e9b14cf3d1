package handler

import (
	"context"
	"net/http"

	"github.com/eliseuvideira/pkgscraper/internal/api/response"
	"github.com/eliseuvideira/pkgscraper/internal/store"
	"github.com/eliseuvideira/pkgscraper/pkg/models"
	"github.com/google/uuid"
)

const packageNotFound = "Package not found"

// PackageReader is the read side of the package store.
type PackageReader interface {
	GetPackage(ctx context.Context, id uuid.UUID) (*models.Package, error)
	ListPackages(ctx context.Context, params store.PageParams) (store.Page[*models.Package], error)
}

// NewListPackagesHandler returns an http.HandlerFunc for GET /packages.
func NewListPackagesHandler(packages PackageReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := parsePageParams(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		page, err := packages.ListPackages(r.Context(), params)
		if err != nil {
			writeServiceError(w, r, err, packageNotFound)
			return
		}

		response.Page(w, page.Items, page.NextCursor)
	}
}

// NewGetPackageHandler returns an http.HandlerFunc for GET /packages/{id}.
func NewGetPackageHandler(packages PackageReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid package ID", nil)
			return
		}

		pkg, err := packages.GetPackage(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err, packageNotFound)
			return
		}

		response.JSON(w, pkg)
	}
}
