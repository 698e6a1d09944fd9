// kpc-controller reconciles selected Kubernetes cluster state with the
// configuration of an external OPNsense appliance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/moellere/kpc-controller/internal/appliance"
	"github.com/moellere/kpc-controller/internal/cluster"
	"github.com/moellere/kpc-controller/internal/config"
	"github.com/moellere/kpc-controller/internal/control"
	"github.com/moellere/kpc-controller/internal/plugin"
)

func main() {
	logLevel := defaultEnv("KPC_LOG_LEVEL", "info")

	cfg := zap.NewProductionConfig()
	switch logLevel {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "dev":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	zlog, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	log := zlog.Sugar()
	startlog := log.Named("startup")

	namespace := defaultEnv("CONTROLLER_NAMESPACE", "kube-system")
	configMapName := defaultEnv("CONTROLLER_CONFIGMAP", "kubernetes-opnsense-controller")
	applianceURL := defaultEnv("OPNSENSE_URL", "")
	applianceKey := defaultEnv("OPNSENSE_API_KEY", "")
	applianceSecret := defaultEnv("OPNSENSE_API_SECRET", "")

	if applianceURL == "" || applianceKey == "" || applianceSecret == "" {
		startlog.Fatalw("OPNSENSE_URL, OPNSENSE_API_KEY, and OPNSENSE_API_SECRET must all be set")
	}

	restConfig, err := loadKubeConfig()
	if err != nil {
		startlog.Fatalw("loading kubeconfig", "error", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		startlog.Fatalw("building Kubernetes client", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfgDoc, err := config.Load(ctx, clientset, namespace, configMapName)
	if err != nil {
		startlog.Fatalw("loading controller configuration", "error", err)
	}

	applianceClient := appliance.New(appliance.Options{
		BaseURL:            applianceURL,
		Key:                applianceKey,
		Secret:             applianceSecret,
		InsecureSkipVerify: defaultBool("OPNSENSE_INSECURE_SKIP_VERIFY", true),
		Log:                log.Named("appliance"),
	})

	observer := cluster.NewObserver(clientset, "", log.Named("cluster"))
	controller := control.New(observer, log.Named("control"))

	registerPlugins(controller, observer, applianceClient, cfgDoc)

	startlog.Infow("starting controller", "namespace", namespace, "configMap", configMapName, "kinds", controller.Kinds())
	if err := controller.Run(ctx); err != nil && ctx.Err() == nil {
		startlog.Fatalw("controller exited with an error", "error", err)
	}
	startlog.Infow("shutting down")
}

func registerPlugins(c *control.Controller, observer *cluster.Observer, appl *appliance.Client, cfgDoc *config.Config) {
	if cfgDoc.MetalLB.Enabled {
		c.Register(&plugin.MetalLB{
			Nodes:     func(ctx context.Context) ([]cluster.Node, error) { return listNodes(ctx, observer) },
			Appliance: appl,
			Config:    cfgDoc.MetalLB,
		})
	}
	if cfgDoc.HAProxyDeclarative.Enabled {
		c.Register(&plugin.HAProxyDeclarative{
			ConfigDocuments: func(ctx context.Context) ([]cluster.ConfigDocument, error) { return listConfigDocuments(ctx, observer) },
			Service:         func(ctx context.Context, namespace, name string) (cluster.Service, bool, error) { return lookupService(ctx, observer, namespace, name) },
			Nodes:           func(ctx context.Context) ([]cluster.Node, error) { return listNodes(ctx, observer) },
			Appliance:       appl,
		})
	}
	if cfgDoc.HAProxyIngressProxy.Enabled {
		c.Register(&plugin.HAProxyIngressProxy{
			Ingresses: func(ctx context.Context) ([]cluster.Ingress, error) { return listIngresses(ctx, observer) },
			Appliance: appl,
			Config:    cfgDoc.HAProxyIngressProxy,
		})
	}
	if cfgDoc.DNSServices.Enabled {
		c.Register(&plugin.DNSServices{
			Services:  func(ctx context.Context) ([]cluster.Service, error) { return listServices(ctx, observer) },
			Appliance: appl,
		})
	}
	if cfgDoc.DNSIngresses.Enabled {
		c.Register(&plugin.DNSIngresses{
			Ingresses: func(ctx context.Context) ([]cluster.Ingress, error) { return listIngresses(ctx, observer) },
			Appliance: appl,
		})
	}
	if cfgDoc.DNSHAProxyIngressProxy.Enabled {
		c.Register(&plugin.DNSHAProxyIngressProxy{
			Ingresses:           func(ctx context.Context) ([]cluster.Ingress, error) { return listIngresses(ctx, observer) },
			Appliance:           appl,
			HAProxyIngressProxy: cfgDoc.HAProxyIngressProxy,
		})
	}
}

func listNodes(ctx context.Context, observer *cluster.Observer) ([]cluster.Node, error) {
	events, _, err := observer.List(ctx, cluster.KindNode)
	if err != nil {
		return nil, err
	}
	nodes := make([]cluster.Node, 0, len(events))
	for _, e := range events {
		nodes = append(nodes, e.Object.(cluster.Node))
	}
	return nodes, nil
}

func listServices(ctx context.Context, observer *cluster.Observer) ([]cluster.Service, error) {
	events, _, err := observer.List(ctx, cluster.KindService)
	if err != nil {
		return nil, err
	}
	services := make([]cluster.Service, 0, len(events))
	for _, e := range events {
		services = append(services, e.Object.(cluster.Service))
	}
	return services, nil
}

func listIngresses(ctx context.Context, observer *cluster.Observer) ([]cluster.Ingress, error) {
	events, _, err := observer.List(ctx, cluster.KindIngress)
	if err != nil {
		return nil, err
	}
	ingresses := make([]cluster.Ingress, 0, len(events))
	for _, e := range events {
		ingresses = append(ingresses, e.Object.(cluster.Ingress))
	}
	return ingresses, nil
}

func listConfigDocuments(ctx context.Context, observer *cluster.Observer) ([]cluster.ConfigDocument, error) {
	events, _, err := observer.List(ctx, cluster.KindConfigDocument)
	if err != nil {
		return nil, err
	}
	docs := make([]cluster.ConfigDocument, 0, len(events))
	for _, e := range events {
		docs = append(docs, e.Object.(cluster.ConfigDocument))
	}
	return docs, nil
}

func lookupService(ctx context.Context, observer *cluster.Observer, namespace, name string) (cluster.Service, bool, error) {
	services, err := listServices(ctx, observer)
	if err != nil {
		return cluster.Service{}, false, err
	}
	for _, s := range services {
		if s.Namespace == namespace && s.Name == name {
			return s, true, nil
		}
	}
	return cluster.Service{}, false, nil
}

// loadKubeConfig uses the in-cluster service account config when run inside
// a pod, falling back to $KUBECONFIG (or ~/.kube/config) for local runs.
func loadKubeConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory for kubeconfig: %w", err)
		}
		kubeconfig = home + "/.kube/config"
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func defaultEnv(name, defVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defVal
}

func defaultBool(name string, defVal bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return defVal
	}
	return v == "true" || v == "1"
}
