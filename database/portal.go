package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/neptunomedical/vigia/internal/apierror"
	"github.com/neptunomedical/vigia/model"
)

// Portal registry tables. Changes to either are announced on
// PortalRegistryChannel by the migration triggers.
const (
	PortalRegistryTable   = "urls_automatizacion"
	PortalFieldsTable     = "informacion_capturada"
	PortalRegistryChannel = "portal_registry_change"
)

// GetPortalByName retrieves a portal from the automation registry.
func (d Datasource) GetPortalByName(ctx context.Context, name string) (*model.Portal, error) {
	ctx, span := tracer.Start(ctx, "GetPortalByName")
	defer span.End()

	portal := &model.Portal{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, nombre, url_login, url_destino
		FROM urls_automatizacion
		WHERE nombre = $1
	`, name).Scan(&portal.ID, &portal.Name, &portal.LoginURL, &portal.DestinationURL)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("portal %q not registered", name), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to retrieve portal", err)
	}
	return portal, nil
}

// GetPortalFields returns the active captured fields of a portal in form order.
func (d Datasource) GetPortalFields(ctx context.Context, portalID int64) ([]model.PortalField, error) {
	ctx, span := tracer.Start(ctx, "GetPortalFields")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, id_url, nombre_campo, selector_css, COALESCE(boton_envio, ''), orden
		FROM informacion_capturada
		WHERE id_url = $1 AND activo = TRUE
		ORDER BY orden ASC
	`, portalID)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to retrieve portal fields", err)
	}
	defer rows.Close()

	var fields []model.PortalField
	for rows.Next() {
		var f model.PortalField
		if err := rows.Scan(&f.ID, &f.PortalID, &f.Name, &f.SelectorCSS, &f.SubmitButton, &f.Order); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to scan portal field", err)
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to read portal fields", err)
	}
	return fields, nil
}
