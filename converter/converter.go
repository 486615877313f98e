package converter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

const (
	DefaultNamespace  = "default"
	DefaultImage      = "ghcr.io/loiht2/finetune-runner:v0.3"
	DefaultOutputPath = "/workspace/output"
	DefaultTTL        = int32(3600)

	// ConfigEnvVar carries the JSON training config into the container
	ConfigEnvVar     = "FINETUNE_CONFIG"
	OutputDirEnvVar  = "FINETUNE_OUTPUT_DIR"
	JobNameEnvVar    = "FINETUNE_JOB_NAME"
	ContainerName    = "trainer"
	OutputVolumeName = "output"

	LabelApp       = "app.kubernetes.io/name"
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelRunName   = "finetune.ml-platform.io/run"

	// AnnotationProgress is patched by the trainer with a JSON Progress document
	AnnotationProgress = "finetune.ml-platform.io/progress"
	// AnnotationResourceUsage is patched by the trainer with a JSON models.ResourceUsage
	AnnotationResourceUsage = "finetune.ml-platform.io/resource-usage"
	// AnnotationCheckpoint holds the checkpoint a suspended job resumes from
	AnnotationCheckpoint = "finetune.ml-platform.io/checkpoint"
	// AnnotationArtifact is patched by the trainer with the artifact location once done
	AnnotationArtifact = "finetune.ml-platform.io/artifact"

	GPUResource    = corev1.ResourceName("nvidia.com/gpu")
	GPUProductNode = "nvidia.com/gpu.product"
)

// Options are the cluster-level settings of generated manifests
type Options struct {
	Namespace      string
	Image          string
	ServiceAccount string
	TTLAfterFinish int32
}

// Converter handles conversion from training configs to K8s resources
type Converter struct {
	opts Options
}

// NewConverter creates a new converter instance
func NewConverter(opts Options) *Converter {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.TTLAfterFinish <= 0 {
		opts.TTLAfterFinish = DefaultTTL
	}
	return &Converter{opts: opts}
}

func (c *Converter) Namespace() string {
	return c.opts.Namespace
}

var invalidName = regexp.MustCompile(`[^a-z0-9-]+`)

// JobName derives a unique DNS-1123 name from the config's name or base model
func JobName(cfg models.TrainingConfig) string {
	base := cfg.Name
	if base == "" {
		base = cfg.BaseModel[strings.LastIndex(cfg.BaseModel, "/")+1:]
	}
	base = strings.Trim(invalidName.ReplaceAllString(strings.ToLower(base), "-"), "-")
	if len(base) > 40 {
		base = strings.TrimRight(base[:40], "-")
	}
	if base == "" {
		base = "run"
	}
	return fmt.Sprintf("ft-%s-%s", base, uuid.NewString()[:8])
}

// ConvertToJob builds the batch/v1 Job running cfg under name
func (c *Converter) ConvertToJob(cfg models.TrainingConfig, name string) (*batchv1.Job, error) {
	tuning, err := TuningConfigJSON(cfg)
	if err != nil {
		return nil, err
	}
	resources, err := c.buildResources(cfg.Resources)
	if err != nil {
		return nil, err
	}

	image := cfg.Image
	if image == "" {
		image = c.opts.Image
	}
	labels := map[string]string{
		LabelApp:       "finetune",
		LabelManagedBy: "finetune-orchestrator",
		LabelRunName:   name,
	}
	ttl := c.opts.TTLAfterFinish
	backoff := int32(0)
	suspend := false

	container := corev1.Container{
		Name:  ContainerName,
		Image: image,
		Env: []corev1.EnvVar{
			{Name: ConfigEnvVar, Value: tuning},
			{Name: OutputDirEnvVar, Value: DefaultOutputPath},
			{Name: JobNameEnvVar, Value: name},
		},
		Resources: resources,
		VolumeMounts: []corev1.VolumeMount{
			{Name: OutputVolumeName, MountPath: DefaultOutputPath},
		},
	}

	podSpec := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: c.opts.ServiceAccount,
		Containers:         []corev1.Container{container},
		Volumes:            []corev1.Volume{c.outputVolume(cfg, name)},
	}
	if cfg.Resources.GPUType != "" {
		podSpec.NodeSelector = map[string]string{GPUProductNode: cfg.Resources.GPUType}
	}

	return &batchv1.Job{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "batch/v1",
			Kind:       "Job",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: c.opts.Namespace,
			Labels:    labels,
			Annotations: map[string]string{
				"finetune.ml-platform.io/base-model": cfg.BaseModel,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Suspend:                 &suspend,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
					Annotations: map[string]string{
						"sidecar.istio.io/inject": "false",
					},
				},
				Spec: podSpec,
			},
		},
	}, nil
}

// TuningConfigJSON renders the document the trainer reads from ConfigEnvVar. Every
// compute provider hands the trainer the same document.
func TuningConfigJSON(cfg models.TrainingConfig) (string, error) {
	data, err := json.Marshal(buildTuningConfig(cfg))
	if err != nil {
		return "", fmt.Errorf("failed to marshal training config: %w", err)
	}
	return string(data), nil
}

// buildTuningConfig creates the configuration map handed to the trainer
func buildTuningConfig(cfg models.TrainingConfig) map[string]interface{} {
	config := map[string]interface{}{
		"base_model":   cfg.BaseModel,
		"dataset_path": cfg.DatasetPath,
		"output_dir":   DefaultOutputPath,
	}
	if cfg.ModelSource != "" {
		config["model_source"] = cfg.ModelSource
	}
	if cfg.Project != "" {
		config["project"] = cfg.Project
	}

	method := strings.ToLower(cfg.PEFT.Method)
	if method == "" {
		method = "full"
	}
	peft := map[string]interface{}{"method": method}
	if method != "full" {
		peft["r"] = cfg.PEFT.Rank
		peft["lora_alpha"] = cfg.PEFT.Alpha
		peft["lora_dropout"] = cfg.PEFT.Dropout
		if len(cfg.PEFT.TargetModules) > 0 {
			peft["target_modules"] = cfg.PEFT.TargetModules
		}
	}
	config["peft"] = peft

	hp := cfg.Hyperparameters
	training := map[string]interface{}{}
	if hp.LearningRate > 0 {
		training["learning_rate"] = hp.LearningRate
	}
	if hp.BatchSize > 0 {
		training["per_device_train_batch_size"] = hp.BatchSize
	}
	if hp.Epochs > 0 {
		training["num_train_epochs"] = hp.Epochs
	}
	if hp.MaxSeqLength > 0 {
		training["max_seq_length"] = hp.MaxSeqLength
	}
	if hp.TotalSteps > 0 {
		training["max_steps"] = hp.TotalSteps
	}
	config["training"] = training
	return config
}

func (c *Converter) buildResources(r models.Resources) (corev1.ResourceRequirements, error) {
	if r.GPUCount < 0 || r.CPUCores < 0 || r.MemoryGiB < 0 {
		return corev1.ResourceRequirements{}, fmt.Errorf("negative resource request: %w", models.ErrInvalidConfig)
	}
	list := corev1.ResourceList{}
	if r.CPUCores > 0 {
		list[corev1.ResourceCPU] = resource.MustParse(strconv.Itoa(r.CPUCores))
	}
	if r.MemoryGiB > 0 {
		list[corev1.ResourceMemory] = resource.MustParse(fmt.Sprintf("%dGi", r.MemoryGiB))
	}
	if r.GPUCount > 0 {
		list[GPUResource] = resource.MustParse(strconv.Itoa(r.GPUCount))
	}
	if len(list) == 0 {
		return corev1.ResourceRequirements{}, nil
	}
	return corev1.ResourceRequirements{Requests: list, Limits: list.DeepCopy()}, nil
}

// outputVolume mounts the run's claim when a volume size is requested and scratch space otherwise
func (c *Converter) outputVolume(cfg models.TrainingConfig, name string) corev1.Volume {
	if cfg.Resources.VolumeGB > 0 {
		return corev1.Volume{
			Name: OutputVolumeName,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: PVCName(name)},
			},
		}
	}
	return corev1.Volume{
		Name:         OutputVolumeName,
		VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
	}
}

// PVCName is the claim backing the output volume of job name
func PVCName(name string) string {
	return name + "-output"
}

// CreatePVC returns the output claim for a job, or nil if cfg requests no volume
func (c *Converter) CreatePVC(cfg models.TrainingConfig, name string) *corev1.PersistentVolumeClaim {
	if cfg.Resources.VolumeGB <= 0 {
		return nil
	}
	return &corev1.PersistentVolumeClaim{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "v1",
			Kind:       "PersistentVolumeClaim",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      PVCName(name),
			Namespace: c.opts.Namespace,
			Labels: map[string]string{
				LabelManagedBy: "finetune-orchestrator",
				LabelRunName:   name,
			},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(fmt.Sprintf("%dGi", cfg.Resources.VolumeGB)),
				},
			},
		},
	}
}

// Render returns the manifests for cfg as a multi-document YAML stream
func (c *Converter) Render(cfg models.TrainingConfig, name string) ([]byte, error) {
	job, err := c.ConvertToJob(cfg, name)
	if err != nil {
		return nil, err
	}
	var objects []interface{}
	if pvc := c.CreatePVC(cfg, name); pvc != nil {
		objects = append(objects, pvc)
	}
	objects = append(objects, job)

	var out []byte
	for i, obj := range objects {
		doc, err := yaml.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to render manifest: %w", err)
		}
		if i > 0 {
			out = append(out, []byte("---\n")...)
		}
		out = append(out, doc...)
	}
	return out, nil
}
