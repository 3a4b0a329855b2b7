// Package groupware provides the Exchange Web Services client for calendar
// read/write and free-busy lookups.
//
// EWS speaks SOAP/XML. Responses are extracted with tolerant tag scanning
// rather than a full schema decode; Exchange emits a stable tag vocabulary
// and partial documents on some faults, and the scanner keeps working where
// a strict decoder would not.
package groupware

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/orglink/bridge/pkg/types"
)

// Config holds EWS connection settings.
type Config struct {
	URL        string // e.g. https://mail.corp.example/EWS/Exchange.asmx
	Domain     string // NTLM domain for basic auth user qualification
	Username   string // service account
	Password   string
	SkipVerify bool

	// RateLimit caps outbound SOAP calls per minute (default 120).
	RateLimit int
}

// Client issues EWS SOAP requests with the configured service account.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates an EWS client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	rateLimit := cfg.RateLimit
	if rateLimit == 0 {
		rateLimit = 120
	}

	transport := &http.Transport{}
	if cfg.SkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(float64(rateLimit)/60.0), 1),
		logger:  logger.With("component", "groupware"),
	}
}

// GetCalendarEvents returns events in the given mailbox overlapping
// [now-daysBack, now+daysForward].
func (c *Client) GetCalendarEvents(ctx context.Context, email string, daysBack, daysForward int) ([]types.CalendarEvent, error) {
	now := time.Now().UTC()
	start := now.AddDate(0, 0, -daysBack).Format("2006-01-02T00:00:00Z")
	end := now.AddDate(0, 0, daysForward).Format("2006-01-02T23:59:59Z")

	soap := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
               xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types"
               xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
  <soap:Header>
    <t:RequestServerVersion Version="Exchange2013"/>
  </soap:Header>
  <soap:Body>
    <m:FindItem Traversal="Shallow">
      <m:ItemShape>
        <t:BaseShape>Default</t:BaseShape>
        <t:AdditionalProperties>
          <t:FieldURI FieldURI="item:Subject"/>
          <t:FieldURI FieldURI="calendar:Start"/>
          <t:FieldURI FieldURI="calendar:End"/>
          <t:FieldURI FieldURI="calendar:Location"/>
          <t:FieldURI FieldURI="calendar:Organizer"/>
          <t:FieldURI FieldURI="calendar:RequiredAttendees"/>
          <t:FieldURI FieldURI="calendar:OptionalAttendees"/>
          <t:FieldURI FieldURI="calendar:IsRecurring"/>
          <t:FieldURI FieldURI="calendar:IsCancelled"/>
        </t:AdditionalProperties>
      </m:ItemShape>
      <m:CalendarView MaxEntriesReturned="200" StartDate="%s" EndDate="%s"/>
      <m:ParentFolderIds>
        <t:DistinguishedFolderId Id="calendar">
          <t:Mailbox><t:EmailAddress>%s</t:EmailAddress></t:Mailbox>
        </t:DistinguishedFolderId>
      </m:ParentFolderIds>
    </m:FindItem>
  </soap:Body>
</soap:Envelope>`, start, end, xmlEscape(email))

	body, err := c.doRequest(ctx, soap)
	if err != nil {
		return nil, err
	}

	return ParseCalendarResponse(string(body)), nil
}

// CreateMeeting creates a calendar item in the organizer's mailbox and sends
// invitations to all attendees. The normalized event is returned with the
// new item id.
func (c *Client) CreateMeeting(ctx context.Context, req types.MeetingRequest) (*types.CalendarEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var attendees strings.Builder
	for _, email := range req.Attendees {
		attendees.WriteString(fmt.Sprintf(
			`<t:Attendee><t:Mailbox><t:EmailAddress>%s</t:EmailAddress></t:Mailbox></t:Attendee>`,
			xmlEscape(email)))
	}

	soap := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
               xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types"
               xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
  <soap:Header>
    <t:RequestServerVersion Version="Exchange2013"/>
    <t:ExchangeImpersonation>
      <t:ConnectingSID><t:SmtpAddress>%s</t:SmtpAddress></t:ConnectingSID>
    </t:ExchangeImpersonation>
  </soap:Header>
  <soap:Body>
    <m:CreateItem SendMeetingInvitations="SendToAllAndSaveCopy">
      <m:Items>
        <t:CalendarItem>
          <t:Subject>%s</t:Subject>
          <t:Body BodyType="Text">%s</t:Body>
          <t:Start>%s</t:Start>
          <t:End>%s</t:End>
          <t:Location>%s</t:Location>
          <t:RequiredAttendees>%s</t:RequiredAttendees>
        </t:CalendarItem>
      </m:Items>
    </m:CreateItem>
  </soap:Body>
</soap:Envelope>`,
		xmlEscape(req.OrganizerEmail),
		xmlEscape(req.Subject), xmlEscape(req.Body),
		req.Start.UTC().Format(time.RFC3339), req.End.UTC().Format(time.RFC3339),
		xmlEscape(req.Location), attendees.String())

	body, err := c.doRequest(ctx, soap)
	if err != nil {
		return nil, err
	}
	if err := responseError(string(body)); err != nil {
		return nil, err
	}

	event := eventFromRequest(req)
	event.ID = extractValue(string(body), `ItemId Id="`, `"`)
	return event, nil
}

// UpdateMeeting applies the non-zero fields of req to an existing item.
func (c *Client) UpdateMeeting(ctx context.Context, req types.MeetingRequest) (*types.CalendarEvent, error) {
	if req.ItemID == "" {
		return nil, fmt.Errorf("item_id is required")
	}

	var changes strings.Builder
	if req.Subject != "" {
		changes.WriteString(fmt.Sprintf(
			`<t:SetItemField><t:FieldURI FieldURI="item:Subject"/><t:CalendarItem><t:Subject>%s</t:Subject></t:CalendarItem></t:SetItemField>`,
			xmlEscape(req.Subject)))
	}
	if !req.Start.IsZero() {
		changes.WriteString(fmt.Sprintf(
			`<t:SetItemField><t:FieldURI FieldURI="calendar:Start"/><t:CalendarItem><t:Start>%s</t:Start></t:CalendarItem></t:SetItemField>`,
			req.Start.UTC().Format(time.RFC3339)))
	}
	if !req.End.IsZero() {
		changes.WriteString(fmt.Sprintf(
			`<t:SetItemField><t:FieldURI FieldURI="calendar:End"/><t:CalendarItem><t:End>%s</t:End></t:CalendarItem></t:SetItemField>`,
			req.End.UTC().Format(time.RFC3339)))
	}
	if req.Location != "" {
		changes.WriteString(fmt.Sprintf(
			`<t:SetItemField><t:FieldURI FieldURI="calendar:Location"/><t:CalendarItem><t:Location>%s</t:Location></t:CalendarItem></t:SetItemField>`,
			xmlEscape(req.Location)))
	}
	if req.Body != "" {
		changes.WriteString(fmt.Sprintf(
			`<t:SetItemField><t:FieldURI FieldURI="item:Body"/><t:CalendarItem><t:Body BodyType="Text">%s</t:Body></t:CalendarItem></t:SetItemField>`,
			xmlEscape(req.Body)))
	}
	if changes.Len() == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	soap := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
               xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types"
               xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
  <soap:Header>
    <t:RequestServerVersion Version="Exchange2013"/>
    <t:ExchangeImpersonation>
      <t:ConnectingSID><t:SmtpAddress>%s</t:SmtpAddress></t:ConnectingSID>
    </t:ExchangeImpersonation>
  </soap:Header>
  <soap:Body>
    <m:UpdateItem ConflictResolution="AutoResolve" SendMeetingInvitationsOrCancellations="SendToAllAndSaveCopy">
      <m:ItemChanges>
        <t:ItemChange>
          <t:ItemId Id="%s"/>
          <t:Updates>%s</t:Updates>
        </t:ItemChange>
      </m:ItemChanges>
    </m:UpdateItem>
  </soap:Body>
</soap:Envelope>`, xmlEscape(req.OrganizerEmail), xmlEscape(req.ItemID), changes.String())

	body, err := c.doRequest(ctx, soap)
	if err != nil {
		return nil, err
	}
	if err := responseError(string(body)); err != nil {
		return nil, err
	}

	event := eventFromRequest(req)
	event.ID = req.ItemID
	return event, nil
}

// DeleteMeeting cancels a calendar item and notifies attendees.
func (c *Client) DeleteMeeting(ctx context.Context, organizerEmail, itemID string) error {
	if itemID == "" {
		return fmt.Errorf("item_id is required")
	}

	soap := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
               xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types"
               xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
  <soap:Header>
    <t:RequestServerVersion Version="Exchange2013"/>
    <t:ExchangeImpersonation>
      <t:ConnectingSID><t:SmtpAddress>%s</t:SmtpAddress></t:ConnectingSID>
    </t:ExchangeImpersonation>
  </soap:Header>
  <soap:Body>
    <m:DeleteItem DeleteType="MoveToDeletedItems" SendMeetingCancellations="SendToAllAndSaveCopy">
      <m:ItemIds><t:ItemId Id="%s"/></m:ItemIds>
    </m:DeleteItem>
  </soap:Body>
</soap:Envelope>`, xmlEscape(organizerEmail), xmlEscape(itemID))

	body, err := c.doRequest(ctx, soap)
	if err != nil {
		return err
	}
	return responseError(string(body))
}

// GetFreeBusy returns the merged busy intervals per mailbox over
// [start, end].
func (c *Client) GetFreeBusy(ctx context.Context, emails []string, start, end time.Time) (map[string][]types.BusyInterval, error) {
	var mailboxes strings.Builder
	for _, email := range emails {
		mailboxes.WriteString(fmt.Sprintf(`<t:MailboxData>
			<t:Email><t:Address>%s</t:Address></t:Email>
			<t:AttendeeType>Required</t:AttendeeType>
		</t:MailboxData>`, xmlEscape(email)))
	}

	soap := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
               xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types"
               xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
  <soap:Header>
    <t:RequestServerVersion Version="Exchange2013"/>
  </soap:Header>
  <soap:Body>
    <m:GetUserAvailabilityRequest>
      <t:TimeZone>
        <t:Bias>0</t:Bias>
        <t:StandardTime><t:Bias>0</t:Bias><t:Time>00:00:00</t:Time><t:DayOrder>1</t:DayOrder><t:Month>1</t:Month><t:DayOfWeek>Sunday</t:DayOfWeek></t:StandardTime>
        <t:DaylightTime><t:Bias>0</t:Bias><t:Time>00:00:00</t:Time><t:DayOrder>1</t:DayOrder><t:Month>1</t:Month><t:DayOfWeek>Sunday</t:DayOfWeek></t:DaylightTime>
      </t:TimeZone>
      <m:MailboxDataArray>%s</m:MailboxDataArray>
      <t:FreeBusyViewOptions>
        <t:TimeWindow>
          <t:StartTime>%s</t:StartTime>
          <t:EndTime>%s</t:EndTime>
        </t:TimeWindow>
        <t:MergedFreeBusyIntervalInMinutes>30</t:MergedFreeBusyIntervalInMinutes>
        <t:RequestedView>FreeBusy</t:RequestedView>
      </t:FreeBusyViewOptions>
    </m:GetUserAvailabilityRequest>
  </soap:Body>
</soap:Envelope>`, mailboxes.String(),
		start.UTC().Format("2006-01-02T15:04:05"), end.UTC().Format("2006-01-02T15:04:05"))

	body, err := c.doRequest(ctx, soap)
	if err != nil {
		return nil, err
	}

	return ParseFreeBusyResponse(string(body), emails), nil
}

func (c *Client) doRequest(ctx context.Context, soap string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	authUser := c.cfg.Username
	if !strings.Contains(authUser, `\`) && !strings.Contains(authUser, "@") && c.cfg.Domain != "" {
		authUser = c.cfg.Domain + `\` + authUser
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(soap))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.SetBasicAuth(authUser, c.cfg.Password)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ews request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		return nil, fmt.Errorf("ews error %d: %s", resp.StatusCode, snippet)
	}

	return body, nil
}

// responseError surfaces an EWS fault carried inside a 200 response.
func responseError(xml string) error {
	if strings.Contains(xml, `ResponseClass="Error"`) {
		msg := extractValue(xml, "<m:MessageText>", "</m:MessageText>")
		if msg == "" {
			msg = extractValue(xml, "<MessageText>", "</MessageText>")
		}
		if msg == "" {
			msg = "unspecified EWS error"
		}
		return fmt.Errorf("ews: %s", msg)
	}
	return nil
}

func eventFromRequest(req types.MeetingRequest) *types.CalendarEvent {
	event := &types.CalendarEvent{
		Subject:  req.Subject,
		Start:    req.Start,
		End:      req.End,
		Location: req.Location,
		Organizer: &types.Person{
			Email: req.OrganizerEmail,
		},
	}
	for _, email := range req.Attendees {
		event.Attendees = append(event.Attendees, types.Attendee{Email: email})
	}
	return event
}

// ParseCalendarResponse extracts calendar items from a FindItem response.
func ParseCalendarResponse(xml string) []types.CalendarEvent {
	var events []types.CalendarEvent

	items := strings.Split(xml, "<t:CalendarItem")
	for _, item := range items[1:] {
		endIdx := strings.Index(item, "</t:CalendarItem>")
		if endIdx == -1 {
			continue
		}
		itemXML := item[:endIdx]

		event := types.CalendarEvent{
			ID:          extractValue(itemXML, `ItemId Id="`, `"`),
			Subject:     extractValue(itemXML, "<t:Subject>", "</t:Subject>"),
			Start:       parseTime(extractValue(itemXML, "<t:Start>", "</t:Start>")),
			End:         parseTime(extractValue(itemXML, "<t:End>", "</t:End>")),
			Location:    extractValue(itemXML, "<t:Location>", "</t:Location>"),
			IsRecurring: strings.Contains(strings.ToLower(itemXML), "<t:isrecurring>true"),
			IsCancelled: strings.Contains(strings.ToLower(itemXML), "<t:iscancelled>true"),
		}

		if orgStart := strings.Index(itemXML, "<t:Organizer>"); orgStart != -1 {
			if orgEnd := strings.Index(itemXML[orgStart:], "</t:Organizer>"); orgEnd != -1 {
				orgXML := itemXML[orgStart : orgStart+orgEnd]
				event.Organizer = &types.Person{
					Name:  extractValue(orgXML, "<t:Name>", "</t:Name>"),
					Email: extractValue(orgXML, "<t:EmailAddress>", "</t:EmailAddress>"),
				}
			}
		}

		event.Attendees = parseAttendees(itemXML)

		if !event.Start.IsZero() {
			events = append(events, event)
		}
	}

	return events
}

func parseAttendees(xml string) []types.Attendee {
	var attendees []types.Attendee

	for _, sectionTag := range []string{"<t:RequiredAttendees>", "<t:OptionalAttendees>"} {
		isOptional := strings.Contains(sectionTag, "Optional")

		sectionStart := strings.Index(xml, sectionTag)
		if sectionStart == -1 {
			continue
		}
		endTag := strings.Replace(sectionTag, "<", "</", 1)
		sectionEnd := strings.Index(xml[sectionStart:], endTag)
		if sectionEnd == -1 {
			continue
		}
		section := xml[sectionStart : sectionStart+sectionEnd]

		for _, attendeeXML := range strings.Split(section, "<t:Attendee>")[1:] {
			endIdx := strings.Index(attendeeXML, "</t:Attendee>")
			if endIdx == -1 {
				continue
			}
			email := extractValue(attendeeXML[:endIdx], "<t:EmailAddress>", "</t:EmailAddress>")
			if email == "" {
				continue
			}
			attendees = append(attendees, types.Attendee{
				Name:     extractValue(attendeeXML[:endIdx], "<t:Name>", "</t:Name>"),
				Email:    email,
				Response: extractValue(attendeeXML[:endIdx], "<t:ResponseType>", "</t:ResponseType>"),
				Optional: isOptional,
			})
		}
	}

	return attendees
}

// ParseFreeBusyResponse extracts per-mailbox busy intervals from a
// GetUserAvailability response. Responses come back in mailbox request
// order, which is how they are re-associated with emails.
func ParseFreeBusyResponse(xml string, emails []string) map[string][]types.BusyInterval {
	result := make(map[string][]types.BusyInterval)

	responses := strings.Split(xml, "<FreeBusyResponse>")
	for i, resp := range responses[1:] {
		if i >= len(emails) {
			break
		}

		var busy []types.BusyInterval
		events := strings.Split(resp, "<CalendarEvent>")
		for _, event := range events[1:] {
			endIdx := strings.Index(event, "</CalendarEvent>")
			if endIdx == -1 {
				continue
			}
			start := parseTime(extractValue(event[:endIdx], "<StartTime>", "</StartTime>"))
			end := parseTime(extractValue(event[:endIdx], "<EndTime>", "</EndTime>"))
			if start.IsZero() || end.IsZero() {
				continue
			}
			busy = append(busy, types.BusyInterval{
				Start:  start,
				End:    end,
				Status: extractValue(event[:endIdx], "<BusyType>", "</BusyType>"),
			})
		}

		result[emails[i]] = busy
	}

	return result
}

var tagStripper = regexp.MustCompile(`<[^>]*>`)

func extractValue(xml, startTag, endTag string) string {
	startIdx := strings.Index(xml, startTag)
	if startIdx == -1 {
		return ""
	}
	startIdx += len(startTag)

	endIdx := strings.Index(xml[startIdx:], endTag)
	if endIdx == -1 {
		return ""
	}

	value := xml[startIdx : startIdx+endIdx]
	value = strings.ReplaceAll(value, "&amp;", "&")
	value = strings.ReplaceAll(value, "&lt;", "<")
	value = strings.ReplaceAll(value, "&gt;", ">")
	value = strings.ReplaceAll(value, "&quot;", `"`)
	value = strings.ReplaceAll(value, "&apos;", "'")

	if strings.Contains(startTag, "Body") {
		value = tagStripper.ReplaceAllString(value, "")
	}

	return strings.TrimSpace(value)
}

// parseTime accepts the timestamp shapes Exchange emits: RFC3339 with or
// without zone designator.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func xmlEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&apos;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
