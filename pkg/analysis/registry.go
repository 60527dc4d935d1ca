package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// ErrInvalidRecord is returned when a registration or contact is malformed.
var ErrInvalidRecord = errors.New("analysis: invalid record")

// RegisterApplication stores or replaces an application.
func (s *Service) RegisterApplication(ctx context.Context, app *model.Application) error {
	if app.ID <= 0 || app.Code == "" {
		return fmt.Errorf("%w: application needs a positive id and a code", ErrInvalidRecord)
	}
	if err := s.tables.Applications.Upsert(ctx, app); err != nil {
		return err
	}
	s.names.Applications.Invalidate(app.ID)
	return nil
}

// RegisterInstance stores or replaces an instance.
func (s *Service) RegisterInstance(ctx context.Context, inst *model.Instance) error {
	if inst.ID <= 0 || inst.ApplicationID <= 0 {
		return fmt.Errorf("%w: instance needs positive id and application id", ErrInvalidRecord)
	}
	if inst.RegisterTime.IsZero() {
		inst.RegisterTime = time.Now().UTC()
	}
	if err := s.tables.Instances.Upsert(ctx, inst); err != nil {
		return err
	}
	s.names.Instances.Invalidate(inst.ID)
	return nil
}

// RegisterService stores or replaces a service name.
func (s *Service) RegisterService(ctx context.Context, svc *model.ServiceName) error {
	if svc.ID <= 0 || svc.ApplicationID <= 0 || svc.Name == "" {
		return fmt.Errorf("%w: service needs positive ids and a name", ErrInvalidRecord)
	}
	if err := s.tables.Services.Upsert(ctx, svc); err != nil {
		return err
	}
	s.names.Services.Invalidate(svc.ID)
	return nil
}

// SaveContact stores or replaces an alarm contact.
func (s *Service) SaveContact(ctx context.Context, c *model.AlarmContact) error {
	if c.ID <= 0 || c.RealName == "" {
		return fmt.Errorf("%w: contact needs a positive id and a name", ErrInvalidRecord)
	}
	now := time.Now().UTC()
	existing, err := s.tables.Contacts.Get(ctx, c.Key())
	switch {
	case err == nil:
		c.CreateTime = existing.CreateTime
	case errors.Is(err, storage.ErrNotFound):
		c.CreateTime = now
	default:
		return err
	}
	c.UpdateTime = now
	return s.tables.Contacts.Upsert(ctx, c)
}

// LinkContact makes contactID a contact of applicationID.
func (s *Service) LinkContact(ctx context.Context, applicationID, contactID int) error {
	if applicationID <= 0 {
		return fmt.Errorf("%w: application id must be positive", ErrInvalidRecord)
	}
	if _, err := s.tables.Contacts.Get(ctx, strconv.Itoa(contactID)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: contact %d does not exist", ErrInvalidRecord, contactID)
		}
		return err
	}
	return s.tables.ApplicationContacts.Upsert(ctx, &model.ApplicationAlarmContact{
		ApplicationID:  applicationID,
		AlarmContactID: contactID,
	})
}

// ContactPage is one page of alarm contacts.
type ContactPage struct {
	Items []*model.AlarmContact `json:"items"`
	Total int                   `json:"total"`
}

// Contacts lists alarm contacts whose name, phone or email contains keyword.
func (s *Service) Contacts(ctx context.Context, keyword string, limit, offset int) (*ContactPage, error) {
	keyword = strings.ToLower(keyword)
	all, err := s.tables.Contacts.List(ctx, "", func(c *model.AlarmContact) bool {
		if keyword == "" {
			return true
		}
		for _, field := range []string{c.RealName, c.PhoneNumber, c.Email} {
			if strings.Contains(strings.ToLower(field), keyword) {
				return true
			}
		}
		return false
	}, 0)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	page := &ContactPage{Total: len(all), Items: []*model.AlarmContact{}}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return page, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	page.Items = all
	return page, nil
}

// ApplicationContacts returns the contacts linked to applicationID. Links to
// deleted contacts are skipped.
func (s *Service) ApplicationContacts(ctx context.Context, applicationID int) ([]*model.AlarmContact, error) {
	links, err := s.tables.ApplicationContacts.List(ctx, strconv.Itoa(applicationID)+"_", nil, 0)
	if err != nil {
		return nil, err
	}

	contacts := []*model.AlarmContact{}
	for _, link := range links {
		if link.ApplicationID != applicationID {
			continue
		}
		c, err := s.tables.Contacts.Get(ctx, strconv.Itoa(link.AlarmContactID))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}
