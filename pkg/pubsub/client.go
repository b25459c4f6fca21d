package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/barnlink/pkg/config"
	"github.com/angelmondragon/barnlink/pkg/logger"
)

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNotInitialized    = errors.New("pubsub client not initialized")
)

// Client hands out publishers and subscribers by short name and remembers
// which ones this process touched. Ping probes only those.
type Client struct {
	client    *pubsub.Client
	projectID string

	mu            sync.Mutex
	topics        map[string]struct{}
	subscriptions map[string]struct{}
}

func NewClient(ctx context.Context, gcp config.GCPConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	psClient, err := pubsub.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "project_id", projectID), "pubsub client initialized")
	}
	return &Client{
		client:        psClient,
		projectID:     projectID,
		topics:        make(map[string]struct{}),
		subscriptions: make(map[string]struct{}),
	}, nil
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	if creds := strings.TrimSpace(gcp.CredentialsJSON); creds != "" {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	if path := strings.TrimSpace(gcp.ApplicationCredentials); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

// Subscription returns a Subscriber for a subscription ID or full resource
// name, or nil when the name cannot be resolved.
func (c *Client) Subscription(name string) *pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	full := resourceName(c.projectID, "subscriptions", name)
	if full == "" {
		return nil
	}
	c.watch(c.subscriptions, full)
	return c.client.Subscriber(full)
}

// Publisher returns a Publisher for a topic ID or full resource name.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	full := resourceName(c.projectID, "topics", name)
	if full == "" {
		return nil
	}
	c.watch(c.topics, full)
	return c.client.Publisher(full)
}

func (c *Client) watch(set map[string]struct{}, name string) {
	c.mu.Lock()
	set[name] = struct{}{}
	c.mu.Unlock()
}

// Ping confirms every topic and subscription handed out so far still exists.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	topics, subs := c.watched()
	for _, topic := range topics {
		_, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: topic})
		if err := describe("topic", topic, err); err != nil {
			return err
		}
	}
	for _, sub := range subs {
		_, err := c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: sub})
		if err := describe("subscription", sub, err); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) watched() (topics, subs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for t := range c.topics {
		topics = append(topics, t)
	}
	for s := range c.subscriptions {
		subs = append(subs, s)
	}
	sort.Strings(topics)
	sort.Strings(subs)
	return topics, subs
}

func describe(kind, name string, err error) error {
	switch {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("%s %q does not exist", kind, name)
	default:
		return fmt.Errorf("checking %s %q: %w", kind, name, err)
	}
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// resourceName expands a short ID to projects/<project>/<kind>/<name>. Full
// resource names pass through unchanged.
func resourceName(projectID, kind, name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/"+kind+"/") {
		return n
	}
	p := strings.TrimSpace(projectID)
	if p == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/%s/%s", p, kind, n)
}
