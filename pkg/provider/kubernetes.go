package provider

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logcollection"
)

const (
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelGroup     = "fleet.core-tools.io/group"
	labelServerID  = "fleet.core-tools.io/server-id"
	managedByValue = "hsu-fleet"

	defaultContainerPort = 25565
)

// KubernetesConfig selects the cluster and namespace servers are scheduled into
type KubernetesConfig struct {
	Kubeconfig   string        `mapstructure:"kubeconfig" yaml:"kubeconfig"`
	Context      string        `mapstructure:"context" yaml:"context"`
	Namespace    string        `mapstructure:"namespace" yaml:"namespace"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	StopGrace    time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
}

func DefaultKubernetesConfig() KubernetesConfig {
	return KubernetesConfig{
		Namespace:    "game-servers",
		PollInterval: 2 * time.Second,
		StopGrace:    30 * time.Second,
	}
}

// pod tracks the watcher of one server pod
type pod struct {
	name      string
	cancel    context.CancelFunc
	streaming bool
	stopping  bool
}

// kubernetesProvider schedules one Pod per server and follows its phase
type kubernetesProvider struct {
	*base
	config    KubernetesConfig
	clientset kubernetes.Interface

	podsMutex sync.Mutex
	pods      map[string]*pod
	groups    map[string]*domain.GroupConfig
	wg        sync.WaitGroup
}

// NewKubernetesProvider builds a clientset from the kubeconfig loading rules
func NewKubernetesProvider(config KubernetesConfig, deps Dependencies) (Provider, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if config.Kubeconfig != "" {
		loadingRules.ExplicitPath = config.Kubeconfig
	}
	configOverrides := &clientcmd.ConfigOverrides{CurrentContext: config.Context}
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides)

	restConfig, err := kubeConfig.ClientConfig()
	if err != nil {
		return nil, errors.NewProviderError("failed to load kubernetes client config", err).WithContext("context", config.Context)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.NewProviderError("failed to create kubernetes clientset", err)
	}
	return NewKubernetesProviderWithClient(config, clientset, deps), nil
}

func NewKubernetesProviderWithClient(config KubernetesConfig, clientset kubernetes.Interface, deps Dependencies) Provider {
	defaults := DefaultKubernetesConfig()
	if config.Namespace == "" {
		config.Namespace = defaults.Namespace
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.StopGrace <= 0 {
		config.StopGrace = defaults.StopGrace
	}

	return &kubernetesProvider{
		base:      newBase(TypeKubernetes, deps),
		config:    config,
		clientset: clientset,
		pods:      make(map[string]*pod),
		groups:    make(map[string]*domain.GroupConfig),
	}
}

func (p *kubernetesProvider) EnsureResourcesReady(ctx context.Context, group *domain.GroupConfig) error {
	settings := group.ServiceProvider.Kubernetes
	if settings == nil || settings.Image == "" {
		return errors.NewValidationError("group has no container image configured", nil).WithContext("group", group.Name)
	}
	if _, err := podResources(settings); err != nil {
		return err
	}

	namespaces := p.clientset.CoreV1().Namespaces()
	_, err := namespaces.Get(ctx, p.config.Namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return errors.NewProviderError("failed to look up namespace", err).WithContext("namespace", p.config.Namespace)
	}

	p.logger.Infof("Creating namespace %s for group %s", p.config.Namespace, group.Name)
	_, err = namespaces.Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   p.config.Namespace,
			Labels: map[string]string{labelManagedBy: managedByValue},
		},
	}, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return errors.NewProviderError("failed to create namespace", err).WithContext("namespace", p.config.Namespace)
	}
	return nil
}

func (p *kubernetesProvider) CreateServer(ctx context.Context, group *domain.GroupConfig, server *domain.Server) error {
	if group.ServiceProvider.Kubernetes == nil {
		return errors.NewValidationError("group has no kubernetes settings", nil).WithContext("group", group.Name)
	}

	server.Update(func(info *domain.ServerInfo) {
		info.Status = domain.ServerStatusStarting
		info.Port = containerPort(group.ServiceProvider.Kubernetes)
		info.OnlinePlayers = 0
		info.OnlinePlayerNames = []string{}
		if info.MaxPlayers == 0 {
			info.MaxPlayers = domain.DefaultMaxPlayers
		}
	})
	server.Touch(time.Now())

	p.podsMutex.Lock()
	p.groups[server.ID()] = group
	p.podsMutex.Unlock()

	if err := p.track(server); err != nil {
		return errors.NewProviderError("failed to register server logs", err)
	}

	if err := p.schedule(ctx, group, server); err != nil {
		p.untrack(server.ID())
		p.forget(server.ID())
		return err
	}
	return nil
}

func (p *kubernetesProvider) StartServer(ctx context.Context, server *domain.Server) error {
	tracked, err := p.lookup(server.ID())
	if err != nil {
		return err
	}

	p.podsMutex.Lock()
	current := p.pods[tracked.ID()]
	group := p.groups[tracked.ID()]
	p.podsMutex.Unlock()

	if current != nil && !current.stopping {
		p.logger.Warnf("Server already has a pod: %s", tracked.Name())
		return nil
	}
	if group == nil {
		return errors.NewInternalError("no group recorded for server", nil).WithContext("server_id", tracked.ID())
	}

	p.reportStatus(tracked, domain.ServerStatusStarting)
	return p.schedule(ctx, group, tracked)
}

// StopServer deletes the pod; a later StartServer schedules a fresh one
func (p *kubernetesProvider) StopServer(ctx context.Context, server *domain.Server, graceful bool) error {
	tracked, err := p.lookup(server.ID())
	if err != nil {
		return err
	}

	grace := int64(0)
	if graceful {
		grace = int64(p.config.StopGrace / time.Second)
	}
	if err := p.deletePod(ctx, tracked.ID(), grace); err != nil {
		return err
	}

	tracked.Update(func(info *domain.ServerInfo) {
		info.OnlinePlayers = 0
		info.OnlinePlayerNames = []string{}
	})
	p.reportStatus(tracked, domain.ServerStatusStopped)
	p.log(tracked.ID(), "Pod deleted, server stopped")
	return nil
}

func (p *kubernetesProvider) DeleteServer(ctx context.Context, serverID string) (bool, error) {
	if err := p.deletePod(ctx, serverID, 0); err != nil {
		return false, err
	}

	removed, ok := p.untrack(serverID)
	p.forget(serverID)
	if !ok {
		p.logger.Warnf("Server not found for deletion: %s", serverID)
		return false, nil
	}
	p.logger.Infof("Deleted server: %s (ID: %s)", removed.Name(), serverID)
	return true, nil
}

func (p *kubernetesProvider) Shutdown(ctx context.Context) error {
	p.podsMutex.Lock()
	for _, current := range p.pods {
		current.cancel()
	}
	p.podsMutex.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return p.closeLogs()
	case <-ctx.Done():
		return errors.NewTimeoutError("kubernetes provider shutdown timed out", ctx.Err())
	}
}

func (p *kubernetesProvider) schedule(ctx context.Context, group *domain.GroupConfig, server *domain.Server) error {
	spec, err := p.podSpec(group, server.Info())
	if err != nil {
		p.reportStatus(server, domain.ServerStatusError)
		return err
	}

	created, err := p.clientset.CoreV1().Pods(p.config.Namespace).Create(ctx, spec, metav1.CreateOptions{})
	if err != nil {
		p.reportStatus(server, domain.ServerStatusError)
		return errors.NewProviderError("failed to create pod", err).
			WithContext("namespace", p.config.Namespace).
			WithContext("pod", spec.Name)
	}

	server.Update(func(info *domain.ServerInfo) {
		info.ServiceProviderID = p.config.Namespace + "/" + created.Name
	})

	watchCtx, cancel := context.WithCancel(context.Background())
	current := &pod{name: created.Name, cancel: cancel}

	p.podsMutex.Lock()
	p.pods[server.ID()] = current
	p.podsMutex.Unlock()

	p.wg.Add(1)
	go p.follow(watchCtx, server, current)

	p.log(server.ID(), "Pod scheduled: "+created.Name)
	p.logger.Infof("Scheduled pod %s/%s for server %s", p.config.Namespace, created.Name, server.Name())
	return nil
}

// follow polls the pod phase and mirrors it onto the server record
func (p *kubernetesProvider) follow(ctx context.Context, server *domain.Server, current *pod) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		if !p.observe(ctx, server, current) {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// observe applies the pod's current phase and reports whether watching should continue
func (p *kubernetesProvider) observe(ctx context.Context, server *domain.Server, current *pod) bool {
	found, err := p.clientset.CoreV1().Pods(p.config.Namespace).Get(ctx, current.name, metav1.GetOptions{})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if apierrors.IsNotFound(err) {
			p.log(server.ID(), "Pod disappeared: "+current.name)
			p.reportStatus(server, domain.ServerStatusStopped)
			return false
		}
		p.logger.Warnf("Failed to poll pod %s: %v", current.name, err)
		return true
	}

	switch found.Status.Phase {
	case corev1.PodRunning:
		if !podReady(found) || server.IsShuttingDown() {
			return true
		}
		if server.Status() == domain.ServerStatusStarting {
			server.Update(func(info *domain.ServerInfo) { info.Address = found.Status.PodIP })
			server.Touch(time.Now())
			p.reportStatus(server, domain.ServerStatusRunning)
			p.log(server.ID(), "Pod is ready at "+found.Status.PodIP)
		}
		p.streamLogs(ctx, server, current)
	case corev1.PodFailed:
		p.log(server.ID(), "Pod failed: "+found.Status.Reason)
		p.reportStatus(server, domain.ServerStatusError)
		return false
	case corev1.PodSucceeded:
		p.log(server.ID(), "Pod completed")
		p.reportStatus(server, domain.ServerStatusStopped)
		return false
	}
	return true
}

func (p *kubernetesProvider) streamLogs(ctx context.Context, server *domain.Server, current *pod) {
	p.podsMutex.Lock()
	if current.streaming {
		p.podsMutex.Unlock()
		return
	}
	current.streaming = true
	p.podsMutex.Unlock()

	stream, err := p.clientset.CoreV1().Pods(p.config.Namespace).GetLogs(current.name, &corev1.PodLogOptions{Follow: true}).Stream(ctx)
	if err != nil {
		p.logger.Warnf("Failed to stream logs of pod %s: %v", current.name, err)
		return
	}
	if err := p.logs.CollectFromStream(server.ID(), stream, logcollection.StdoutStream); err != nil {
		stream.Close()
		p.logger.Warnf("Console output of %s is not collected: %v", server.Name(), err)
		return
	}
	go func() {
		<-ctx.Done()
		stream.Close()
	}()
}

func (p *kubernetesProvider) deletePod(ctx context.Context, serverID string, grace int64) error {
	p.podsMutex.Lock()
	current := p.pods[serverID]
	if current != nil {
		current.stopping = true
	}
	p.podsMutex.Unlock()

	if current == nil {
		return nil
	}
	current.cancel()

	err := p.clientset.CoreV1().Pods(p.config.Namespace).Delete(ctx, current.name, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.NewProviderError("failed to delete pod", err).
			WithContext("namespace", p.config.Namespace).
			WithContext("pod", current.name)
	}

	p.podsMutex.Lock()
	if p.pods[serverID] == current {
		delete(p.pods, serverID)
	}
	p.podsMutex.Unlock()
	return nil
}

func (p *kubernetesProvider) forget(serverID string) {
	p.podsMutex.Lock()
	defer p.podsMutex.Unlock()
	if current, ok := p.pods[serverID]; ok {
		current.cancel()
		delete(p.pods, serverID)
	}
	delete(p.groups, serverID)
}

func (p *kubernetesProvider) podSpec(group *domain.GroupConfig, info domain.ServerInfo) (*corev1.Pod, error) {
	settings := group.ServiceProvider.Kubernetes
	resources, err := podResources(settings)
	if err != nil {
		return nil, err
	}

	port := containerPort(settings)
	env := []corev1.EnvVar{
		{Name: "SERVER_ID", Value: info.ServerID},
		{Name: "SERVER_NAME", Value: info.Name},
		{Name: "SERVER_GROUP", Value: info.Group},
		{Name: "SERVER_PORT", Value: fmt.Sprintf("%d", port)},
	}
	keys := make([]string, 0, len(settings.Environment))
	for key := range settings.Environment {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, corev1.EnvVar{Name: key, Value: settings.Environment[key]})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(info),
			Namespace: p.config.Namespace,
			Labels: map[string]string{
				labelManagedBy: managedByValue,
				labelGroup:     dnsLabel(info.Group),
				labelServerID:  dnsLabel(info.ServerID),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:      "server",
				Image:     settings.Image,
				Command:   settings.Command,
				Env:       env,
				Resources: resources,
				Ports:     []corev1.ContainerPort{{Name: "game", ContainerPort: int32(port), Protocol: corev1.ProtocolTCP}},
			}},
		},
	}, nil
}

func podResources(settings *domain.KubernetesSettings) (corev1.ResourceRequirements, error) {
	list := corev1.ResourceList{}
	if settings.Memory != "" {
		quantity, err := resource.ParseQuantity(settings.Memory)
		if err != nil {
			return corev1.ResourceRequirements{}, errors.NewValidationError("invalid memory quantity", err).WithContext("memory", settings.Memory)
		}
		list[corev1.ResourceMemory] = quantity
	}
	if settings.CPU != "" {
		quantity, err := resource.ParseQuantity(settings.CPU)
		if err != nil {
			return corev1.ResourceRequirements{}, errors.NewValidationError("invalid cpu quantity", err).WithContext("cpu", settings.CPU)
		}
		list[corev1.ResourceCPU] = quantity
	}
	if len(list) == 0 {
		return corev1.ResourceRequirements{}, nil
	}
	return corev1.ResourceRequirements{Requests: list, Limits: list.DeepCopy()}, nil
}

func podReady(found *corev1.Pod) bool {
	for _, condition := range found.Status.Conditions {
		if condition.Type == corev1.PodReady && condition.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func containerPort(settings *domain.KubernetesSettings) int {
	if settings != nil && settings.Port > 0 {
		return settings.Port
	}
	return defaultContainerPort
}

var invalidLabelChars = regexp.MustCompile(`[^a-z0-9-]+`)

func dnsLabel(value string) string {
	label := invalidLabelChars.ReplaceAllString(strings.ToLower(value), "-")
	label = strings.Trim(label, "-")
	if len(label) > 63 {
		label = strings.TrimRight(label[:63], "-")
	}
	return label
}

func podName(info domain.ServerInfo) string {
	suffix := dnsLabel(info.ServerID)
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	name := dnsLabel(info.Name)
	if len(name) > 40 {
		name = strings.TrimRight(name[:40], "-")
	}
	return "fleet-" + name + "-" + suffix
}
