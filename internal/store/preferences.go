package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hapi-hub/hapi/pkg/types"
)

const preferencesSelectColumns = `
SELECT namespace, ready_announcements, permission_notifications, error_notifications, team_group_style, updated_at
FROM user_preferences`

// GetPreferences returns the namespace's preferences, or the documented
// defaults if the namespace has never saved any.
func (s *Store) GetPreferences(ctx context.Context, namespace string) (*types.UserPreferences, error) {
	row := s.db.QueryRowContext(ctx, preferencesSelectColumns+` WHERE namespace = ?`, namespace)
	prefs, err := scanPreferences(row)
	if isNotFound(err) {
		return &types.UserPreferences{
			Namespace:               namespace,
			ReadyAnnouncements:      true,
			PermissionNotifications: true,
			ErrorNotifications:      true,
			TeamGroupStyle:          "flat",
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return prefs, nil
}

// UpdatePreferences merges the supplied fields into the namespace's
// preferences, creating the row on first write.
func (s *Store) UpdatePreferences(ctx context.Context, namespace string, readyAnnouncements, permissionNotifications, errorNotifications *bool, teamGroupStyle *string) (*types.UserPreferences, error) {
	current, err := s.GetPreferences(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if readyAnnouncements != nil {
		current.ReadyAnnouncements = *readyAnnouncements
	}
	if permissionNotifications != nil {
		current.PermissionNotifications = *permissionNotifications
	}
	if errorNotifications != nil {
		current.ErrorNotifications = *errorNotifications
	}
	if teamGroupStyle != nil {
		current.TeamGroupStyle = *teamGroupStyle
	}
	current.UpdatedAt = nowMillis()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (namespace, ready_announcements, permission_notifications, error_notifications, team_group_style, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace) DO UPDATE SET
			ready_announcements = excluded.ready_announcements,
			permission_notifications = excluded.permission_notifications,
			error_notifications = excluded.error_notifications,
			team_group_style = excluded.team_group_style,
			updated_at = excluded.updated_at
	`, current.Namespace, current.ReadyAnnouncements, current.PermissionNotifications, current.ErrorNotifications, current.TeamGroupStyle, current.UpdatedAt)
	if err != nil {
		return nil, wrapDBError(err)
	}
	return current, nil
}

func scanPreferences(row *sql.Row) (*types.UserPreferences, error) {
	var p types.UserPreferences
	err := row.Scan(&p.Namespace, &p.ReadyAnnouncements, &p.PermissionNotifications, &p.ErrorNotifications, &p.TeamGroupStyle, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}
