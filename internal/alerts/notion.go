package alerts

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"
)

// PageCreator is the slice of the Notion SDK the notifier needs.
// The interface enables mocking in tests.
type PageCreator interface {
	CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error)
}

// NotionClient wraps the official Notion SDK.
type NotionClient struct {
	client *notionapi.Client
}

// NewNotionClient creates a NotionClient with the provided API token.
func NewNotionClient(token string) *NotionClient {
	return &NotionClient{client: notionapi.NewClient(notionapi.Token(token))}
}

// CreatePage creates a new page in a Notion database with the given properties.
func (n *NotionClient) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	req := &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(databaseID),
		},
		Properties: properties,
	}

	page, err := n.client.Page.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("CreatePage: %w", err)
	}

	return page, nil
}

// NotionNotifier posts each alert as a page in a Notion database, one row per
// automation event, so the dashboard's automation panel has an audit trail.
type NotionNotifier struct {
	service    PageCreator
	databaseID string
}

// NewNotionNotifier creates a notifier writing to the given Notion database.
func NewNotionNotifier(service PageCreator, databaseID string) *NotionNotifier {
	return &NotionNotifier{service: service, databaseID: databaseID}
}

// Notify implements Notifier.
func (n *NotionNotifier) Notify(ctx context.Context, alert Alert) error {
	_, err := n.service.CreatePage(ctx, n.databaseID, mapAlertToProperties(alert))
	if err != nil {
		return fmt.Errorf("notion notify: %w", err)
	}
	return nil
}

// mapAlertToProperties converts an alert into Notion page properties.
func mapAlertToProperties(alert Alert) notionapi.Properties {
	return notionapi.Properties{
		"Title": notionapi.TitleProperty{
			Title: []notionapi.RichText{
				{Text: &notionapi.Text{Content: alert.Title}},
			},
		},
		"Kind": notionapi.SelectProperty{
			Select: notionapi.Option{Name: string(alert.Kind)},
		},
		"Goal": notionapi.RichTextProperty{
			RichText: []notionapi.RichText{
				{Text: &notionapi.Text{Content: alert.GoalID}},
			},
		},
		"Detail": notionapi.RichTextProperty{
			RichText: []notionapi.RichText{
				{Text: &notionapi.Text{Content: alert.Detail}},
			},
		},
		"At": notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: (*notionapi.Date)(&alert.At)},
		},
	}
}

var _ Notifier = (*NotionNotifier)(nil)
var _ PageCreator = (*NotionClient)(nil)
